// Package model holds the wire and in-memory types shared by every component
// of the sync agent: the file tree, file content, diff scripts and the push
// events the realtime channel carries.
package model

import (
	"encoding/json"
	"fmt"
)

// NodeKind distinguishes a file from a folder in a FileNode tree.
type NodeKind string

const (
	KindFile   NodeKind = "file"
	KindFolder NodeKind = "folder"
)

// FileNode is a single entry in a scanned or remote-listed file tree.
// RelativePath always uses forward slashes, regardless of host OS.
type FileNode struct {
	Name         string     `json:"name"`
	RelativePath string     `json:"path"`
	Kind         NodeKind   `json:"type"`
	Size         *int64     `json:"size,omitempty"`
	Modified     *string    `json:"modified,omitempty"`
	Children     []FileNode `json:"children,omitempty"`
}

// FileContent is the full body of one file, as exchanged with the remote
// store or the local vault server.
type FileContent struct {
	RelativePath string `json:"path"`
	Content      string `json:"content"`
	Size         int64  `json:"size"`
	Modified     string `json:"modified"`
}

// DiffOpKind enumerates the three diff-script operations.
type DiffOpKind string

const (
	OpEq  DiffOpKind = "eq"
	OpDel DiffOpKind = "del"
	OpIns DiffOpKind = "ins"
)

// DiffOp is one instruction in a DiffScript. Only the field matching Kind is
// meaningful: N for Eq/Del, Ins for Ins. On the wire it is a single-key
// object — {"eq":n}, {"del":n} or {"ins":[...]} — not a struct with a Kind
// discriminant, so MarshalJSON/UnmarshalJSON encode/decode that shape
// explicitly.
type DiffOp struct {
	Kind DiffOpKind
	N    int
	Ins  []string
}

type diffOpWire struct {
	Eq  *int     `json:"eq,omitempty"`
	Del *int     `json:"del,omitempty"`
	Ins []string `json:"ins,omitempty"`
}

// MarshalJSON renders op as {"eq":n}, {"del":n} or {"ins":[...]}.
func (op DiffOp) MarshalJSON() ([]byte, error) {
	var wire diffOpWire
	switch op.Kind {
	case OpEq:
		wire.Eq = &op.N
	case OpDel:
		wire.Del = &op.N
	case OpIns:
		wire.Ins = op.Ins
		if wire.Ins == nil {
			wire.Ins = []string{}
		}
	default:
		return nil, fmt.Errorf("model: DiffOp has unknown kind %q", op.Kind)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON parses {"eq":n}, {"del":n} or {"ins":[...]} into op.
func (op *DiffOp) UnmarshalJSON(data []byte) error {
	var wire diffOpWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch {
	case wire.Eq != nil:
		*op = DiffOp{Kind: OpEq, N: *wire.Eq}
	case wire.Del != nil:
		*op = DiffOp{Kind: OpDel, N: *wire.Del}
	case wire.Ins != nil:
		*op = DiffOp{Kind: OpIns, Ins: wire.Ins}
	default:
		return fmt.Errorf("model: diff op has none of eq/del/ins: %s", data)
	}
	return nil
}

// DiffScript is an ordered sequence of DiffOps describing how to turn one
// text blob's line decomposition into another's.
type DiffScript []DiffOp

// PushAction enumerates the realtime channel's event kinds.
type PushAction string

const (
	ActionSave   PushAction = "save"
	ActionCreate PushAction = "create"
	ActionDelete PushAction = "delete"
	ActionRename PushAction = "rename"
)

// PushEvent is one realtime notification from the push channel (C5b) into
// the sync engine (C4).
type PushEvent struct {
	RelativePath string      `json:"path"`
	Action       PushAction  `json:"action"`
	Hash         *string     `json:"hash,omitempty"`
	OldHash      *string     `json:"oldHash,omitempty"`
	Diff         *DiffScript `json:"diff,omitempty"`
	OldPath      *string     `json:"oldPath,omitempty"`
}

// MaxDiffBytes is the serialized-diff size cap: beyond this, a diff is
// dropped from an upload and only full content travels.
const MaxDiffBytes = 10240
