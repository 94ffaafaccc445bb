package ssdp

import "errors"

var (
	errSegmentMismatch  = errors.New("source address outside interface segment")
	errSelfEcho         = errors.New("m-search self-echo")
	errBadLocation      = errors.New("unparseable LOCATION")
	errLocationMismatch = errors.New("LOCATION host does not match datagram source")
)
