// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import "fmt"

// runRecord and runPlay are stubs that always return an error: local session
// recording/playback is out of scope (spec.md §1 Non-goals), but the
// CLI surface names them for completeness (spec.md §6).
func runRecord(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("record: usage: teleterm record FILE")
	}
	return fmt.Errorf("record: not implemented")
}

func runPlay(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("play: usage: teleterm play FILE")
	}
	return fmt.Errorf("play: not implemented")
}
