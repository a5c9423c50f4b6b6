package tasks

import "time"

// SendWindow is the local-time span during which messages may go out.
// StartHour > EndHour wraps midnight; equal hours mean always open.
type SendWindow struct {
	StartHour int
	EndHour   int
	Location  *time.Location
}

func (w SendWindow) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// Contains reports whether t falls inside the window.
func (w SendWindow) Contains(t time.Time) bool {
	h := t.In(w.loc()).Hour()
	switch {
	case w.StartHour == w.EndHour:
		return true
	case w.StartHour < w.EndHour:
		return h >= w.StartHour && h < w.EndHour
	default:
		return h >= w.StartHour || h < w.EndHour
	}
}

// NextStart is the first window opening strictly after t.
func (w SendWindow) NextStart(t time.Time) time.Time {
	local := t.In(w.loc())
	start := time.Date(local.Year(), local.Month(), local.Day(), w.StartHour, 0, 0, 0, w.loc())
	if !start.After(local) {
		start = time.Date(local.Year(), local.Month(), local.Day()+1, w.StartHour, 0, 0, 0, w.loc())
	}
	return start.UTC()
}
