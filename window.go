package banter

import (
	"sync"
	"time"
)

// WindowerConfig controls conversation window grouping.
type WindowerConfig struct {
	// Size closes a window once it holds this many messages. Default 8.
	Size int
	// Timeout closes a window this long after it opened. Default 180s.
	Timeout time.Duration
	// FilterLow drops LOW-labelled messages from windows as well as NOISE.
	FilterLow bool
}

func (c *WindowerConfig) applyDefaults() {
	if c.Size <= 0 {
		c.Size = 8
	}
	if c.Timeout <= 0 {
		c.Timeout = 180 * time.Second
	}
}

type windowKey struct {
	chatID   int64
	threadID int64
}

type openWindow struct {
	win    Window
	labels []ValueLabel
}

// Windower maintains at most one OPEN window per (chat, thread) and emits
// closed windows. It holds no locks across I/O: closed windows are returned
// to the caller, which owns persistence and enqueueing.
type Windower struct {
	mu   sync.Mutex
	open map[windowKey]*openWindow
	cfg  WindowerConfig

	now func() int64 // overridable in tests
}

// NewWindower creates a Windower.
func NewWindower(cfg WindowerConfig) *Windower {
	cfg.applyDefaults()
	return &Windower{
		open: make(map[windowKey]*openWindow),
		cfg:  cfg,
		now:  NowUnix,
	}
}

// Add feeds a labelled message in. NOISE (and LOW, when filtering is on)
// never enters a window. Returns a closed window when this message tripped
// the size or timeout threshold, else nil.
func (d *Windower) Add(msg Message, label ValueLabel) *Window {
	if label == LabelNoise {
		return nil
	}
	if d.cfg.FilterLow && label == LabelLow {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := windowKey{chatID: msg.ChatID, threadID: msg.ThreadID}
	ow, ok := d.open[key]
	if !ok {
		ow = &openWindow{win: Window{
			ChatID:         msg.ChatID,
			ThreadID:       msg.ThreadID,
			FirstMessageID: msg.ID,
			OpenedAt:       d.now(),
		}}
		d.open[key] = ow
	}

	ow.win.Messages = append(ow.win.Messages, msg)
	ow.win.LastMessageID = msg.ID
	ow.win.MessageCount = len(ow.win.Messages)
	ow.labels = append(ow.labels, label)
	addParticipant(&ow.win, msg.UserID)

	// Size wins the tie when both thresholds trip at once.
	switch {
	case ow.win.MessageCount >= d.cfg.Size:
		return d.closeLocked(key, CloseSize)
	case d.now()-ow.win.OpenedAt >= int64(d.cfg.Timeout/time.Second):
		return d.closeLocked(key, CloseTimeout)
	}
	return nil
}

// SweepExpired closes every open window whose age exceeds the timeout.
// Call it from a ticker.
func (d *Windower) SweepExpired() []Window {
	d.mu.Lock()
	defer d.mu.Unlock()

	var closed []Window
	now := d.now()
	for key, ow := range d.open {
		if now-ow.win.OpenedAt >= int64(d.cfg.Timeout/time.Second) {
			if w := d.closeLocked(key, CloseTimeout); w != nil {
				closed = append(closed, *w)
			}
		}
	}
	return closed
}

// Flush closes all open windows with reason "shutdown".
func (d *Windower) Flush() []Window {
	d.mu.Lock()
	defer d.mu.Unlock()

	var closed []Window
	for key := range d.open {
		if w := d.closeLocked(key, CloseShutdown); w != nil {
			closed = append(closed, *w)
		}
	}
	return closed
}

// OpenCount returns the number of currently open windows.
func (d *Windower) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

func (d *Windower) closeLocked(key windowKey, reason ClosureReason) *Window {
	ow, ok := d.open[key]
	if !ok || ow.win.MessageCount == 0 {
		delete(d.open, key)
		return nil
	}
	delete(d.open, key)

	w := ow.win
	w.ClosedAt = d.now()
	w.ClosureReason = reason
	w.DominantValue = maxLabel(ow.labels)
	return &w
}

func addParticipant(w *Window, userID int64) {
	for _, p := range w.Participants {
		if p == userID {
			return
		}
	}
	w.Participants = append(w.Participants, userID)
}

func maxLabel(labels []ValueLabel) ValueLabel {
	best := LabelNoise
	for _, l := range labels {
		if l > best {
			best = l
		}
	}
	return best
}

// WindowPriority maps a closed window's dominant label to a queue priority:
// HIGH -> P1, MEDIUM -> P2, everything else -> P3.
func WindowPriority(w Window) Priority {
	switch w.DominantValue {
	case LabelHigh:
		return P1
	case LabelMedium:
		return P2
	default:
		return P3
	}
}
