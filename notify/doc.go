// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers push notifications for session trigger
// events. The production sink ([HTTPSink]) POSTs to an ntfy-compatible
// topic URL with bounded retry and exponential backoff; sessions treat
// delivery as best-effort and never block a relay loop on it. Delivery
// failure is logged and dropped — a session's correctness does not
// depend on notifications arriving.
package notify
