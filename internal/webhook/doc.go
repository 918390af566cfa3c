// Package webhook implements the push-event ingress with HMAC-SHA256 verification.
//
// A delivery moves through a fixed sequence of synchronous checks before
// any command runs:
//
//	Received → Authenticated → Parsed → Synced → Verified → Dispatched
//
// Any check may reject the delivery. A rejection never dispatches and is
// never retried within the request; the sender's redelivery is a new,
// independent request.
//
// # Security Model
//
// - HMAC-SHA256 signatures verified using crypto/subtle (constant-time comparison)
// - Without webhook.secret the check is skipped and a warning is logged at startup
// - Body size limits enforced to prevent DoS attacks
// - Rejection bodies carry only a class and a short reason
// - Request logging excludes payloads
//
// # Request Flow
//
//  1. HTTP POST arrives at webhook.path
//  2. Body size checked (413 if too large)
//  3. Digest from webhook.signature_header verified (401)
//  4. Authenticated deliveries counted against webhook.rate_limit (429)
//  5. ping answered with pong; other non-push events ignored (200)
//  6. Payload parsed (400); deletions, non-branch/tag refs and kinds without a command ignored (200)
//  7. Object made available in the local mirror (504 timeout, 502 remote failure, 422 missing object, 503 caller gone)
//  8. Commit or tag signature checked against the domain keyring (403)
//  9. Job submitted to the worker pool (503 when full)
// 10. 202 Accepted returned with job_id
//
// The command's outcome is never reported to the webhook caller.
package webhook
