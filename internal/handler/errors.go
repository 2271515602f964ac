package handler

import "errors"

var errNoPush = errors.New("push notifications are not configured")
