// Package ws streams sync progress to WebSocket clients.
//
// On connect the server sends a progress snapshot, then another one every
// interval and after every engine event. Clients only need to read.
//
// Message Types (Server → Client):
//   - progress: engine snapshot in "snapshot"
//   - event: engine event in "event", followed by a fresh snapshot
//   - error: the engine could not be queried
//
// Example Usage:
//
//	handler := ws.NewHandler(eng, time.Second, logger, metrics)
//	router.GET("/ws/progress", handler.HandleConnection)
package ws
