package main

import "time"

const (
	backendSocketCAN = "socketcan"
	backendSerial    = "serial"
	backendTCP       = "tcp"

	txQueueSize       = 1024 // async TX ring per backend
	serialReadBufSize = 4096
	rxBackoffMin      = 20 * time.Millisecond
	rxBackoffMax      = 500 * time.Millisecond
)
