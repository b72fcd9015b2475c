package queue

import "errors"

// ErrPermanent marks a delivery that can never succeed, such as a payload
// that does not match the job schema. It is rejected without requeue.
var ErrPermanent = errors.New("permanent job failure")

var ErrAlreadyCompleted = errors.New("job already has an mp3 blob")
