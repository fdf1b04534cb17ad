/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Suffixes of the two channels behind a Conn, named from the dialer's side.
const (
	upSuffix   = ".up"   // dialer -> listener
	downSuffix = ".down" // listener -> dialer
)

// Addr is a channel name as a net.Addr.
type Addr struct {
	Name string
}

// Network returns the network type
func (a *Addr) Network() string {
	return "shm"
}

// String returns the string representation of the address
func (a *Addr) String() string {
	return a.Name
}

// Conn is a duplex byte pipe built from two channels, one per direction.
type Conn struct {
	r      *Handle
	w      *Handle
	local  *Addr
	remote *Addr

	readDeadline  deadline
	writeDeadline deadline

	closeOnce sync.Once
	closeErr  error
}

var _ net.Conn = (*Conn)(nil)

// Listen creates both directions of name and waits for a dialer to connect
// to them.
func Listen(ctx context.Context, name string, opts Options) (*Conn, error) {
	r, err := Create(name+upSuffix, RoleConsumer, opts)
	if err != nil {
		return nil, err
	}
	w, err := Create(name+downSuffix, RoleProducer, opts)
	if err != nil {
		r.Close()
		return nil, err
	}
	c := newConn(r, w, &Addr{Name: name}, &Addr{Name: name + "#dialer"})
	if err := c.waitConnected(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// DialConn connects to a Listen on name, retrying while the listener has not
// created its channels yet.
func DialConn(ctx context.Context, name string, opts Options) (*Conn, error) {
	w, err := Dial(ctx, name+upSuffix, RoleProducer, opts)
	if err != nil {
		return nil, err
	}
	r, err := Dial(ctx, name+downSuffix, RoleConsumer, opts)
	if err != nil {
		w.Close()
		return nil, err
	}
	c := newConn(r, w, &Addr{Name: name + "#dialer"}, &Addr{Name: name})
	if err := c.waitConnected(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newConn(r, w *Handle, local, remote *Addr) *Conn {
	c := &Conn{r: r, w: w, local: local, remote: remote}
	c.readDeadline.init()
	c.writeDeadline.init()
	return c
}

func (c *Conn) waitConnected(ctx context.Context) error {
	if err := c.r.WaitConnected(ctx); err != nil {
		return fmt.Errorf("shmipc: %s: %w", c.r.Name(), err)
	}
	if err := c.w.WaitConnected(ctx); err != nil {
		return fmt.Errorf("shmipc: %s: %w", c.w.Name(), err)
	}
	return nil
}

// Read reads data from the connection. It returns io.EOF after the peer has
// closed its sending side and everything it sent has been read.
func (c *Conn) Read(p []byte) (int, error) {
	ctx, cancel, err := c.readDeadline.context()
	if err != nil {
		return 0, err
	}
	defer cancel()
	return c.r.ReadContext(ctx, p, 0)
}

// Write writes all of p unless a deadline passes or the peer goes away.
func (c *Conn) Write(p []byte) (int, error) {
	ctx, cancel, err := c.writeDeadline.context()
	if err != nil {
		return 0, err
	}
	defer cancel()
	return c.w.WriteContext(ctx, p, 0)
}

// deadline is a resettable expiry shared by every pending call in one
// direction. expired is closed when the deadline passes and replaced when
// it is moved back into the future.
type deadline struct {
	mu      sync.Mutex
	timer   *time.Timer
	expired chan struct{}
}

func (d *deadline) init() {
	d.expired = make(chan struct{})
}

// set arms the deadline. The zero time disarms it.
func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.expired // the timer fired; wait for it to close the channel
	}
	d.timer = nil

	closed := isClosed(d.expired)
	if t.IsZero() {
		if closed {
			d.expired = make(chan struct{})
		}
		return
	}
	if left := time.Until(t); left > 0 {
		if closed {
			d.expired = make(chan struct{})
		}
		ch := d.expired
		d.timer = time.AfterFunc(left, func() { close(ch) })
		return
	}
	if !closed {
		close(d.expired)
	}
}

func (d *deadline) wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired
}

// context returns a context cancelled with ErrTimeout when the deadline
// passes, including a deadline set after the call started.
func (d *deadline) context() (context.Context, context.CancelFunc, error) {
	expired := d.wait()
	if isClosed(expired) {
		return nil, nil, ErrTimeout
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		select {
		case <-expired:
			cancel(ErrTimeout)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }, nil
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// CloseWrite closes the sending direction only; the peer reads io.EOF once
// it has drained what was sent.
func (c *Conn) CloseWrite() error {
	return c.w.Close()
}

// Close closes both directions.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.w.Close(), c.r.Close())
	})
	return c.closeErr
}

// LocalAddr returns the local network address
func (c *Conn) LocalAddr() net.Addr {
	return c.local
}

// RemoteAddr returns the remote network address
func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

// SetDeadline sets the read and write deadlines. It applies to pending
// calls as well as future ones; the zero time means no deadline.
func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

// SetReadDeadline sets the deadline for pending and future Read calls.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

// SetWriteDeadline sets the deadline for pending and future Write calls.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

// Stats returns the counters of the receiving and sending directions.
func (c *Conn) Stats() (read, written Stats) {
	return c.r.Stats(), c.w.Stats()
}
