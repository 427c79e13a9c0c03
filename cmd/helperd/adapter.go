package main

import (
	"github.com/desertwitch/helperd/internal/arbiter"
	"github.com/desertwitch/helperd/internal/watcher"
)

// volumeSource adapts the watch controller to the arbiter's volume
// source interface.
type volumeSource struct {
	controller *watcher.Controller
}

func (s *volumeSource) Volume(bsdName string) (arbiter.Volume, bool) {
	w, ok := s.controller.Volume(bsdName)
	if !ok {
		return nil, false
	}

	return w, true
}

func (s *volumeSource) EachVolume(fn func(vol arbiter.Volume) bool) {
	s.controller.EachVolume(func(w *watcher.WatchedVol) bool {
		return fn(w)
	})
}
