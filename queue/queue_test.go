package queue

import (
	"sync"
	"testing"
)

func TestQueueFIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 1000; i++ {
		q.Push(i)
	}
	if q.Len() != 1000 {
		t.Fatalf("expected 1000 queued, got %d", q.Len())
	}
	for i := 0; i < 1000; i++ {
		v, ok := q.TryPop()
		if !ok || v != i {
			t.Fatalf("pop %d: got %d ok=%v", i, v, ok)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestQueueInterleavedPushPop(t *testing.T) {
	q := New[int]()
	next := 0
	for round := 0; round < 50; round++ {
		for i := 0; i < 100; i++ {
			q.Push(round*100 + i)
		}
		for i := 0; i < 70; i++ {
			v, ok := q.TryPop()
			if !ok || v != next {
				t.Fatalf("expected %d, got %d ok=%v", next, v, ok)
			}
			next++
		}
	}
	q.Drain(func(v int) {
		if v != next {
			t.Fatalf("drain expected %d, got %d", next, v)
		}
		next++
	})
	if next != 5000 {
		t.Fatalf("expected to consume 5000 items, got %d", next)
	}
}

func TestQueueConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	q := New[[2]int]()
	const producers = 8
	const perProducer = 2000
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push([2]int{id, i})
			}
		}(p)
	}
	wg.Wait()

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	total := q.Drain(func(v [2]int) {
		if v[1] != last[v[0]]+1 {
			t.Fatalf("producer %d out of order: %d after %d", v[0], v[1], last[v[0]])
		}
		last[v[0]] = v[1]
	})
	if total != producers*perProducer {
		t.Fatalf("expected %d items, got %d", producers*perProducer, total)
	}
}

func TestQueueReadySignal(t *testing.T) {
	q := New[string]()
	select {
	case <-q.Ready():
		t.Fatalf("ready should not fire before a push")
	default:
	}
	q.Push("a")
	q.Push("b")
	select {
	case <-q.Ready():
	default:
		t.Fatalf("expected ready after push")
	}
}
