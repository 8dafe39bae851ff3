package key

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ojrdude/morsecode/internal/ratelimit"
)

const DefaultGPIORoot = "/sys/class/gpio"

// GPIO reads a Linux sysfs GPIO value file. A read error is reported as
// "released" so a flaky line never produces phantom marks.
type GPIO struct {
	pin       int
	activeLow bool
	value     *os.File
	buf       [1]byte
	readErrs  ratelimit.Counter
}

// OpenGPIO exports pin under root (DefaultGPIORoot when empty), sets it as
// an input and opens its value file.
func OpenGPIO(root string, pin int, activeLow bool) (*GPIO, error) {
	if pin < 0 {
		return nil, fmt.Errorf("key: invalid gpio pin %d", pin)
	}
	if root == "" {
		root = DefaultGPIORoot
	}
	dir := filepath.Join(root, "gpio"+strconv.Itoa(pin))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(pin)), 0o200); err != nil {
			return nil, fmt.Errorf("key: export gpio %d: %w", pin, err)
		}
		// udev needs a moment to create the pin directory.
		for i := 0; i < 20; i++ {
			if _, err := os.Stat(dir); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("in"), 0o644); err != nil {
		log.Printf("key: gpio %d: set direction: %v", pin, err)
	}
	f, err := os.Open(filepath.Join(dir, "value"))
	if err != nil {
		return nil, fmt.Errorf("key: open gpio %d value: %w", pin, err)
	}
	return &GPIO{
		pin:       pin,
		activeLow: activeLow,
		value:     f,
		readErrs:  ratelimit.NewCounter(time.Minute),
	}, nil
}

func (g *GPIO) Level() bool {
	if g == nil || g.value == nil {
		return false
	}
	n, err := g.value.ReadAt(g.buf[:], 0)
	if err != nil || n == 0 {
		if total, ok := g.readErrs.Inc(); ok {
			log.Printf("key: gpio %d read failed (%d total): %v", g.pin, total, err)
		}
		return false
	}
	high := g.buf[0] == '1'
	return high != g.activeLow
}

// ReadErrors reports how many reads failed.
func (g *GPIO) ReadErrors() uint64 { return g.readErrs.Total() }

func (g *GPIO) Close() error {
	if g == nil || g.value == nil {
		return nil
	}
	err := g.value.Close()
	g.value = nil
	return err
}
