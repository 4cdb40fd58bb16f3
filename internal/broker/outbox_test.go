package broker

import (
	"errors"
	"slices"
	"testing"
)

func frames(items [][]byte) []string {
	out := make([]string, len(items))
	for i, b := range items {
		out[i] = string(b)
	}
	return out
}

func TestOutbox_Policies(t *testing.T) {
	tests := []struct {
		policy      OverflowPolicy
		want        []string
		wantErr     error
		wantDropped bool
	}{
		{OverflowDropOldest, []string{"b", "c"}, nil, true},
		{OverflowDropNewest, []string{"a", "b"}, nil, true},
		{OverflowDisconnect, []string{"a", "b"}, ErrOutboxOverflow, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.policy), func(t *testing.T) {
			o := newOutbox(2, 0, tc.policy)
			o.push([]byte("a"))
			o.push([]byte("b"))

			dropped, err := o.push([]byte("c"))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
			if dropped != tc.wantDropped {
				t.Errorf("dropped = %v, want %v", dropped, tc.wantDropped)
			}

			items, closed := o.drain()
			if closed {
				t.Error("outbox should not be closed")
			}
			got := frames(items)
			if len(got) != len(tc.want) || got[0] != tc.want[0] || got[1] != tc.want[1] {
				t.Errorf("drained %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOutbox_Close(t *testing.T) {
	o := newOutbox(4, 0, OverflowDisconnect)
	o.push([]byte("a"))
	o.close([]byte("bye"), true)

	if _, err := o.push([]byte("b")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("push after close err = %v, want ErrConnectionClosed", err)
	}
	items, closed := o.drain()
	if !closed || len(items) != 1 {
		t.Errorf("drain = %v, closed=%v; want [a], true", frames(items), closed)
	}
	if string(o.finalFrame()) != "bye" {
		t.Errorf("final = %q, want bye", o.finalFrame())
	}

	// Second close keeps the first final frame.
	o.close([]byte("again"), false)
	if string(o.finalFrame()) != "bye" {
		t.Errorf("final = %q after second close, want bye", o.finalFrame())
	}
}

func TestOutbox_CloseWithoutFlushDiscards(t *testing.T) {
	o := newOutbox(4, 0, OverflowDisconnect)
	o.push([]byte("a"))
	o.close(nil, false)

	if o.len() != 0 {
		t.Errorf("len = %d, want 0", o.len())
	}
	select {
	case <-o.ready:
	default:
		t.Error("close should signal the writer")
	}
}

func TestOutbox_ReplayBatchOutsideLiveBound(t *testing.T) {
	for _, policy := range []OverflowPolicy{OverflowDisconnect, OverflowDropOldest, OverflowDropNewest} {
		t.Run(string(policy), func(t *testing.T) {
			o := newOutbox(2, 4, policy)
			o.push([]byte("a"))
			if err := o.pushBatch([][]byte{[]byte("r1"), []byte("r2"), []byte("r3")}); err != nil {
				t.Fatalf("pushBatch failed: %v", err)
			}
			if _, err := o.push([]byte("b")); err != nil {
				t.Fatalf("push after batch failed: %v", err)
			}

			items, _ := o.drain()
			want := []string{"a", "r1", "r2", "r3", "b"}
			if got := frames(items); !slices.Equal(got, want) {
				t.Errorf("drained %v, want %v", got, want)
			}
		})
	}
}

func TestOutbox_DropOldestKeepsReplay(t *testing.T) {
	o := newOutbox(1, 4, OverflowDropOldest)
	o.push([]byte("a"))
	o.pushBatch([][]byte{[]byte("r1")})

	dropped, err := o.push([]byte("b"))
	if err != nil || !dropped {
		t.Fatalf("push = %v, %v; want dropped", dropped, err)
	}
	items, _ := o.drain()
	if got := frames(items); !slices.Equal(got, []string{"r1", "b"}) {
		t.Errorf("drained %v, want [r1 b]", got)
	}
}

func TestOutbox_ReplayAllowance(t *testing.T) {
	o := newOutbox(2, 3, OverflowDisconnect)
	if err := o.pushBatch([][]byte{[]byte("r1"), []byte("r2")}); err != nil {
		t.Fatalf("pushBatch failed: %v", err)
	}
	if err := o.pushBatch([][]byte{[]byte("r3"), []byte("r4")}); !errors.Is(err, ErrReplayBusy) {
		t.Errorf("second batch err = %v, want ErrReplayBusy", err)
	}

	// Draining hands the pending batch to the writer and frees the allowance.
	o.drain()
	if err := o.pushBatch([][]byte{[]byte("r3"), []byte("r4")}); err != nil {
		t.Errorf("batch after drain failed: %v", err)
	}

	o.close(nil, false)
	if err := o.pushBatch([][]byte{[]byte("r5")}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("batch after close err = %v, want ErrConnectionClosed", err)
	}
	if o.len() != 0 {
		t.Errorf("len = %d after close, want 0", o.len())
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    OverflowPolicy
		wantErr bool
	}{
		{"", OverflowDisconnect, false},
		{"disconnect", OverflowDisconnect, false},
		{"DROP_OLDEST", OverflowDropOldest, false},
		{"drop_newest", OverflowDropNewest, false},
		{"block", "", true},
	}
	for _, tc := range tests {
		got, err := ParseOverflowPolicy(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseOverflowPolicy(%q) err = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseOverflowPolicy(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
