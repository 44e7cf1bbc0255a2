// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package raft hosts fsm.Apply as a hashicorp/raft state machine, one Raft
// group per queue, mirroring the one-quorum-per-queue model the state
// machine was designed against.
package raft

import (
	"encoding/json"
	"time"

	"github.com/duraq/duraq/fsm"
)

// Operation is the wire envelope replicated through the Raft log. It
// carries exactly the meta/command pair fsm.Apply expects. Meta.Index is
// stamped by Apply from the raft.Log record itself; Meta.SystemTime is
// the proposer's clock reading carried in SystemTime (see NewProposal).
type Operation struct {
	Command    fsm.Command `json:"command"`
	SystemTime int64       `json:"system_time"`
	From       *fsm.Pid    `json:"from,omitempty"`
	ReplyMode  fsm.ReplyMode `json:"reply_mode"`
}

// EncodeOperation serializes an Operation for a raft.Apply call.
func EncodeOperation(op Operation) ([]byte, error) {
	return json.Marshal(op)
}

// decodeOperation is the inverse of EncodeOperation, used inside FSM.Apply.
func decodeOperation(data []byte) (Operation, error) {
	var op Operation
	err := json.Unmarshal(data, &op)
	return op, err
}

// NewProposal stamps the wall-clock system time a proposer observed at
// submission; the FSM only ever reads it back via Meta.SystemTime, never
// its own clock, preserving fsm.Apply's determinism.
func NewProposal(cmd fsm.Command, from *fsm.Pid, replyMode fsm.ReplyMode) Operation {
	return Operation{
		Command:    cmd,
		SystemTime: time.Now().UnixMilli(),
		From:       from,
		ReplyMode:  replyMode,
	}
}
