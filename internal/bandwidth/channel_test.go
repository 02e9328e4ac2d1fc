package bandwidth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type zeroReader struct{}

func (zeroReader) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = 0
	}
	return len(b), nil
}

func TestGetGoodBurst(t *testing.T) {
	tests := []struct {
		limit rate.Limit
		want  int
	}{
		{limit: 0, want: MaxBurstSize},
		{limit: 10, want: MinBurstSize},
		{limit: 20000, want: 1000},
		{limit: 1 << 30, want: MaxBurstSize},
	}
	for _, tt := range tests {
		if got := GetGoodBurst(tt.limit); got != tt.want {
			t.Errorf("GetGoodBurst(%v) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestChannelUnlimitedPassThrough(t *testing.T) {
	c := NewChannel(Unlimited, zerolog.Nop())
	src := bytes.NewReader([]byte("hello"))
	if got := c.Throttle(context.Background(), src); got != io.Reader(src) {
		t.Fatal("unlimited channel must return the source reader unchanged")
	}
}

func TestChannelNegativeRateIsUnlimited(t *testing.T) {
	c := NewChannel(-100, zerolog.Nop())
	if c.Rate() != Unlimited {
		t.Fatalf("rate = %v, want unlimited", c.Rate())
	}
	src := bytes.NewReader(nil)
	if got := c.Throttle(context.Background(), src); got != io.Reader(src) {
		t.Fatal("negative rate must behave as unlimited")
	}
}

func TestChannelPreservesData(t *testing.T) {
	c := NewChannel(1<<20, zerolog.Nop())
	payload := bytes.Repeat([]byte("throttle"), 4096)

	got, err := io.ReadAll(c.Throttle(context.Background(), bytes.NewReader(payload)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload corrupted: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestChannelReadClampedToBurst(t *testing.T) {
	c := NewChannel(20000, zerolog.Nop())
	r := c.Throttle(context.Background(), zeroReader{})

	buf := make([]byte, 64*1024)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 1000 {
		t.Fatalf("read %d bytes, want one burst of 1000", n)
	}
}

func TestChannelCancelAbortsWait(t *testing.T) {
	c := NewChannel(10, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	r := c.Throttle(ctx, zeroReader{})

	buf := make([]byte, 1)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("first read: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Read(buf)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Fatalf("err = %v, want io.ErrClosedPipe", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return after cancel")
	}
}

// Every stream sharing the channel is greedy, so the offered load is a
// multiple of the limit. The aggregate must stay within rate*elapsed plus a
// single burst, and every stream must make progress.
func TestChannelAggregateThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	const limit = 100000
	const window = 700 * time.Millisecond

	for _, load := range []int{2, 5, 10} {
		t.Run(fmt.Sprintf("%dx", load), func(t *testing.T) {
			c := NewChannel(limit, zerolog.Nop())
			ctx, cancel := context.WithCancel(context.Background())

			perStream := make([]int64, load)
			var total int64
			var wg sync.WaitGroup
			start := time.Now()
			for i := 0; i < load; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					r := c.Throttle(ctx, zeroReader{})
					buf := make([]byte, 32*1024)
					for {
						n, err := r.Read(buf)
						if err != nil {
							return
						}
						atomic.AddInt64(&perStream[i], int64(n))
						atomic.AddInt64(&total, int64(n))
					}
				}(i)
			}

			time.Sleep(window)
			cancel()
			wg.Wait()
			elapsed := time.Since(start)

			burst := int64(GetGoodBurst(limit))
			ceiling := burst + int64(float64(limit)*elapsed.Seconds()*1.05)
			got := atomic.LoadInt64(&total)
			if got > ceiling {
				t.Errorf("aggregate %d bytes in %v exceeds ceiling %d", got, elapsed, ceiling)
			}
			if floor := int64(float64(limit) * window.Seconds() * 0.5); got < floor {
				t.Errorf("aggregate %d bytes in %v is below %d, limiter too strict", got, elapsed, floor)
			}
			for i, n := range perStream {
				if n == 0 {
					t.Errorf("stream %d starved", i)
				}
			}
		})
	}
}
