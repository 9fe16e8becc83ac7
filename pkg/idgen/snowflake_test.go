package idgen

import (
	"strings"
	"sync"
	"testing"
)

func TestNextIDUniqueUnderConcurrency(t *testing.T) {
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id := NextID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique ids, got %d", workers*perWorker, len(seen))
	}
}

func TestReferenceFormats(t *testing.T) {
	ref := GenerateTransactionRef()
	if !strings.HasPrefix(ref, "TXN") || len(ref) != 3+14+12 {
		t.Fatalf("unexpected transaction ref %q", ref)
	}

	receipt := GenerateReceiptNo()
	if !strings.HasPrefix(receipt, "RCP") {
		t.Fatalf("unexpected receipt %q", receipt)
	}
	if got := RechargeTransactionRef(receipt); got != "RECH_"+receipt {
		t.Fatalf("unexpected recharge ref %q", got)
	}

	serial := GenerateSerialNumber()
	if !strings.HasPrefix(serial, "RF") || len(serial) != 2+19 {
		t.Fatalf("unexpected serial %q", serial)
	}
}

func TestSerialNumbersDoNotWrapAround(t *testing.T) {
	id := NextID()
	// 低 14 位十进制相同的两个ID
	other := id + 100000000000000
	if formatSerial(id) == formatSerial(other) {
		t.Fatalf("serials collide: %s", formatSerial(id))
	}
}
