package discovery

import (
	"fmt"
	"testing"
	"time"
)

func TestDiscover(t *testing.T) {
	n := 5
	fatal := make(chan error)
	for i := range n {
		go func() {
			ann := Entry{
				ID:   fmt.Sprintf("node-%d", i),
				Addr: fmt.Sprintf("localhost:%d", 10000+i),
			}
			discover, err := NewWithOptions(ann,
				WithPortRange(9000, 9010),
				WithAttempts(2),
			)
			if err != nil {
				fatal <- err
				return
			}
			found := make(map[string]string)
			for len(found) < n-1 {
				entry := <-discover.Entries
				found[entry.ID] = entry.Addr
			}
			for j := range n {
				if j == i {
					continue
				}
				id := fmt.Sprintf("node-%d", j)
				addr, ok := found[id]
				if !ok {
					fatal <- fmt.Errorf("node %d did not find %s", i, id)
					return
				}
				if want := fmt.Sprintf("localhost:%d", 10000+j); addr != want {
					fatal <- fmt.Errorf("node %d found %s at %s, want %s", i, id, addr, want)
					return
				}
			}
			time.Sleep(5 * time.Second)
			fatal <- discover.Close()
		}()
	}
	for range n {
		if err := <-fatal; err != nil {
			t.Fatal(err)
		}
	}
}
