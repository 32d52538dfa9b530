// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package timer provides a one-shot timer bound to a single-threaded
// execution context.
//
// Threading contract:
// Every method must be called from the context the timer posts to. The
// callback runs on that same context, so timer state needs no lock.
package timer
