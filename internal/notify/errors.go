package notify

import "errors"

// ErrNotifierFailure envolve qualquer falha de notifier; só é logado.
var ErrNotifierFailure = errors.New("notifier failure")
