package session

import (
	"errors"
	"fmt"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/provider"
)

// DescribeError turns a provider failure into a message the user can act
// on. remoteID names the partner when the error itself does not.
func DescribeError(err error, remoteID string) string {
	var perr *provider.Error
	if !errors.As(err, &perr) {
		return fmt.Sprintf("Connection Error: %v", err)
	}

	switch perr.Type {
	case provider.ErrorPeerUnavailable:
		peer := perr.Peer
		if peer == "" {
			peer = remoteID
		}
		return fmt.Sprintf("Partner (%s) is not online. Please ask them to click 'Go Online' on their screen.", peer)
	case provider.ErrorNetwork:
		return "Network connection lost. Please check your internet."
	default:
		return fmt.Sprintf("Connection Error: %s", perr.Type)
	}
}
