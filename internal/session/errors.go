package session

import "errors"

// ErrUnknownSession is returned by Inject when sessionID has no live query,
// either because it never existed or already terminated.
var ErrUnknownSession = errors.New("unknown or terminated session")
