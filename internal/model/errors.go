package model

import (
	"errors"
)

var (
	ErrEmptyTarget = errors.New("job has no target url")
	ErrNoCommand   = errors.New("worker.command.path is required for executor command")
	ErrNoSchedule  = errors.New("service.schedule is required for timer mode")
)
