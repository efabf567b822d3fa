// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import "github.com/toeirei/rcall/internal/logging"

func dbLogf(format string, v ...any) {
	logging.Debugf(format, v...)
}
