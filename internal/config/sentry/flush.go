package sentry

import "time"

const flushTimeout = 2 * time.Second
