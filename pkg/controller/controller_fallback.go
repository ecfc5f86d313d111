//go:build !windows

package controller

// answerFetchProcessHandle is a no-op off Windows: only the named-pipe
// rendezvous backend ever produces a FetchProcessHandleMessage.
func (c *Controller) answerFetchProcessHandle(raw []byte) {}
