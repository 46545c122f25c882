package logging

import (
	"fmt"
	"log"
	"os"
	"sync"
)

var (
	instanceID     string
	instanceIDOnce sync.Once

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex
)

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		// Buffered channel so callers on the connection path never block
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for msg := range logChan {
				log.Print(msg)
			}
		}()
	})
}

// GetInstanceID returns the unique identifier for this balancer instance
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		// Try LB_ID first (allows a fixed ID), then POD_NAME, then HOSTNAME
		instanceID = os.Getenv("LB_ID")
		if instanceID == "" {
			instanceID = os.Getenv("POD_NAME")
		}
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				if len(hostname) > 8 {
					instanceID = hostname[len(hostname)-8:]
				} else {
					instanceID = hostname
				}
			} else {
				instanceID = "unknown"
			}
		}
	})
	return instanceID
}

// Logf logs a formatted message with instance ID prefix (async, non-blocking)
func Logf(format string, v ...interface{}) {
	initLogWorker()
	id := GetInstanceID()
	msg := fmt.Sprintf(format, v...)
	logMsg := fmt.Sprintf("[lb=%s] %s", id, msg)

	// Non-blocking send: if the channel is full, fall back to sync logging
	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Log logs a message with instance ID prefix (async, non-blocking)
func Log(v ...interface{}) {
	initLogWorker()
	id := GetInstanceID()
	msg := fmt.Sprint(v...)
	logMsg := fmt.Sprintf("[lb=%s] %s", id, msg)

	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Fatalf logs a fatal error with instance ID prefix and exits (synchronous)
func Fatalf(format string, v ...interface{}) {
	id := GetInstanceID()
	msg := fmt.Sprintf(format, v...)
	log.Fatalf("[lb=%s] %s", id, msg)
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
}
