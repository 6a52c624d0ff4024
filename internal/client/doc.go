// Package client is a Go client for the gridhub HTTP API.
//
// Remote controls use Register, Heartbeat and Unregister. Test clients use
// NewSession, KeepAlive and Release. Operators use ListAgents, Evict and
// ListEvents.
//
//	c := client.New("http://hub:4444", client.WithToken(token))
//	s, err := c.NewSession(ctx, client.SessionRequest{Environment: "*firefox"})
//	if err != nil {
//		return err
//	}
//	defer c.Release(ctx, s.SessionID)
//
// Non-2xx answers come back as *APIError; StatusCode extracts the code.
package client
