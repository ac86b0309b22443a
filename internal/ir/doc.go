// Package ir provides the canonical value and record types shared by every
// rewind package.
//
// This package contains type definitions and the canonical encoding only.
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere. Amounts are integers or decimal strings.
//   - Canonical JSON follows RFC 8785 and is the only input to checksums.
//   - All JSON tags use snake_case.
//   - Delta order is (created_at, seq); seq is the log offset assigned by the store.
package ir
