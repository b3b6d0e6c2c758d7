package raftadapter

import (
	"github.com/google/uuid"

	"clusterdb/pkg/protocol"
)

type Cmd struct {
	Plan protocol.Plan `json:"plan"`
	ID   uuid.UUID     `json:"id"`
}

func NewCmd(plan protocol.Plan) Cmd {
	return Cmd{
		Plan: plan,
		ID:   uuid.New(),
	}
}
