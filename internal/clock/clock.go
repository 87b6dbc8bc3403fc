// Package clock provides the Lamport clock that versions server records.
package clock

import "sync"

// Lamport логические часы Лампорта. Значения строго возрастают,
// что делает их пригодными для версий записей.
type Lamport struct {
	counter int64
	mu      sync.Mutex
}

// New создает часы, продолжающие отсчет после start (обычно MAX(version) из БД)
func New(start int64) *Lamport {
	if start < 0 {
		start = 0
	}
	return &Lamport{counter: start}
}

// Tick увеличивает счетчик и возвращает новое значение
func (c *Lamport) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	return c.counter
}
