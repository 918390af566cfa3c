package dispatch

// Pool is a fixed set of execution slots. Acquisition never blocks.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool with n slots; n below 1 is raised to 1.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{slots: make(chan struct{}, n)}
}

// TryAcquire takes a slot if one is free and reports whether it did.
func (p *Pool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot taken by TryAcquire.
func (p *Pool) Release() {
	<-p.slots
}

func (p *Pool) Capacity() int { return cap(p.slots) }

func (p *Pool) InUse() int { return len(p.slots) }
