package job

import (
	"context"
	"fmt"
)

// PortPool hands out backend ports so that concurrent jobs never share one.
type PortPool struct {
	free chan int
	size int
}

// NewPortPool creates a pool of size consecutive ports starting at first.
func NewPortPool(first, size int) *PortPool {
	if size < 1 {
		size = 1
	}
	p := &PortPool{free: make(chan int, size), size: size}
	for i := 0; i < size; i++ {
		p.free <- first + i
	}
	return p
}

// Size returns the number of ports in the pool.
func (p *PortPool) Size() int {
	return p.size
}

// Acquire takes a free port, waiting until one is released or ctx ends.
func (p *PortPool) Acquire(ctx context.Context) (int, error) {
	select {
	case port := <-p.free:
		return port, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("no free backend port: %w", ctx.Err())
	}
}

// Release returns a port taken with Acquire.
func (p *PortPool) Release(port int) {
	select {
	case p.free <- port:
	default:
		panic(fmt.Sprintf("port %d released to a full pool", port))
	}
}
