package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("scanner pool closed")

// ScannerPool hands out scanners exclusively. A caller holds a scanner from
// Acquire until Release; other callers block until one is free.
type ScannerPool struct {
	handles chan Scanner
	all     []Scanner
	done    chan struct{}
	once    sync.Once
}

// NewScannerPool opens size scanners with factory.
func NewScannerPool(size int, factory func() (Scanner, error)) (*ScannerPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("scanner pool size must be positive, got %d", size)
	}
	p := &ScannerPool{
		handles: make(chan Scanner, size),
		done:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		s, err := factory()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open scanner: %w", err)
		}
		p.all = append(p.all, s)
		p.handles <- s
	}
	return p, nil
}

// Acquire waits for a free scanner.
func (p *ScannerPool) Acquire(ctx context.Context) (Scanner, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}
	select {
	case s := <-p.handles:
		return s, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns s to the pool.
func (p *ScannerPool) Release(s Scanner) {
	p.handles <- s
}

// With runs fn holding a scanner and releases it afterwards, also on error.
func (p *ScannerPool) With(ctx context.Context, fn func(Scanner) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return fn(s)
}

// Close closes every scanner. Scanners still acquired are closed too.
func (p *ScannerPool) Close() error {
	var errs []error
	p.once.Do(func() {
		close(p.done)
		for _, s := range p.all {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
