// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package gpuchan

// RaceEnabled is true when the race detector is active.
// Tests that hand off through the lock-free runner or pipe queues skip
// themselves, since the detector cannot observe that synchronization.
const RaceEnabled = true
