// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package senderkey

import (
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// setBuffer writes b at path as the {"type":"Buffer","data":[...]} shape
// spec.md §6 requires for binary fields, via sjson path-addressed surgery
// rather than a struct with a custom MarshalJSON.
func setBuffer(buf []byte, path string, b []byte) ([]byte, error) {
	data := make([]int, len(b))
	for i, c := range b {
		data[i] = int(c)
	}
	return sjson.SetBytes(buf, path, map[string]any{"type": "Buffer", "data": data})
}

func stateToWire(s *State) ([]byte, error) {
	buf := []byte("{}")
	var err error
	buf, err = sjson.SetBytes(buf, "senderKeyId", s.KeyID)
	if err != nil {
		return nil, err
	}
	if s.ChainKey != nil {
		buf, err = sjson.SetBytes(buf, "senderChainKey.iteration", s.ChainKey.Iteration)
		if err != nil {
			return nil, err
		}
		buf, err = setBuffer(buf, "senderChainKey.seed", s.ChainKey.Seed)
		if err != nil {
			return nil, err
		}
	}
	buf, err = setBuffer(buf, "senderSigningKey.public", s.SigningKey.Public)
	if err != nil {
		return nil, err
	}
	if s.SigningKey.Private != nil {
		buf, err = setBuffer(buf, "senderSigningKey.private", s.SigningKey.Private)
		if err != nil {
			return nil, err
		}
	}
	buf, err = sjson.SetRawBytes(buf, "senderMessageKeys", []byte("[]"))
	if err != nil {
		return nil, err
	}
	for _, mk := range s.MessageKeys {
		mkJSON := []byte("{}")
		mkJSON, err = sjson.SetBytes(mkJSON, "iteration", mk.Iteration)
		if err != nil {
			return nil, err
		}
		mkJSON, err = setBuffer(mkJSON, "seed", mk.Seed)
		if err != nil {
			return nil, err
		}
		buf, err = sjson.SetRawBytes(buf, "senderMessageKeys.-1", mkJSON)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Serialize renders the record as the JSON array described in spec.md §6,
// oldest state first, built with sjson rather than encoding/json so the
// {"type":"Buffer","data":[...]} write path matches the read path below.
func Serialize(r *Record) ([]byte, error) {
	buf := []byte("[]")
	for _, s := range r.States() {
		wire, err := stateToWire(s)
		if err != nil {
			return nil, fmt.Errorf("senderkey: serialize state: %w", err)
		}
		buf, err = sjson.SetRawBytes(buf, "-1", wire)
		if err != nil {
			return nil, fmt.Errorf("senderkey: append state: %w", err)
		}
	}
	return buf, nil
}

// Deserialize accepts the JSON array text, a raw byte buffer holding the
// UTF-8 JSON, or an already-decoded []*State, matching spec.md §6's
// "accepts JSON text, a raw byte buffer, or a pre-parsed object" contract.
// Bytes encoded either as {"type":"Buffer","data":[...]} or a base64 string
// are both accepted on read, since storage written by an older or
// differently-configured encoder may use either shape.
func Deserialize(input any, maxStates int) (*Record, error) {
	switch v := input.(type) {
	case []*State:
		rec := NewRecordWithCap(maxStates)
		for _, s := range v {
			rec.ring.Push(s.KeyID, s.Clone())
		}
		return rec, nil
	case string:
		return deserializeJSON([]byte(v), maxStates)
	case []byte:
		return deserializeJSON(v, maxStates)
	case nil:
		return NewRecordWithCap(maxStates), nil
	default:
		return nil, fmt.Errorf("senderkey: unsupported deserialize input type %T", input)
	}
}

func deserializeJSON(data []byte, maxStates int) (*Record, error) {
	if len(data) == 0 {
		return NewRecordWithCap(maxStates), nil
	}
	result := gjson.ParseBytes(data)
	if !result.IsArray() {
		return nil, fmt.Errorf("senderkey: expected a JSON array, got %s", result.Type)
	}
	rec := NewRecordWithCap(maxStates)
	var parseErr error
	result.ForEach(func(_, entry gjson.Result) bool {
		state, err := stateFromGJSON(entry)
		if err != nil {
			parseErr = err
			return false
		}
		rec.ring.Push(state.KeyID, state)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return rec, nil
}

func bytesFromGJSON(v gjson.Result) ([]byte, error) {
	switch {
	case !v.Exists():
		return nil, nil
	case v.IsArray():
		// {"type":"Buffer","data":[...]} already unwrapped to its "data" array,
		// or a bare array of byte values.
		var out []byte
		var err error
		v.ForEach(func(_, el gjson.Result) bool {
			if el.Type != gjson.Number {
				err = fmt.Errorf("senderkey: non-numeric byte in buffer array")
				return false
			}
			out = append(out, byte(el.Int()))
			return true
		})
		return out, err
	case v.Get("type").String() == "Buffer" && v.Get("data").Exists():
		return bytesFromGJSON(v.Get("data"))
	case v.Type == gjson.String:
		return base64.StdEncoding.DecodeString(v.String())
	default:
		return nil, fmt.Errorf("senderkey: unrecognized byte encoding")
	}
}

func stateFromGJSON(entry gjson.Result) (*State, error) {
	keyID := uint32(entry.Get("senderKeyId").Uint())

	var chainKey *ChainKey
	if ck := entry.Get("senderChainKey"); ck.Exists() {
		seed, err := bytesFromGJSON(ck.Get("seed"))
		if err != nil {
			return nil, fmt.Errorf("senderkey: chain key seed: %w", err)
		}
		chainKey = &ChainKey{Iteration: uint32(ck.Get("iteration").Uint()), Seed: seed}
	}

	signingKey := SigningKeyPair{}
	if sk := entry.Get("senderSigningKey"); sk.Exists() {
		pub, err := bytesFromGJSON(sk.Get("public"))
		if err != nil {
			return nil, fmt.Errorf("senderkey: signing public key: %w", err)
		}
		signingKey.Public = pub
		if sk.Get("private").Exists() {
			priv, err := bytesFromGJSON(sk.Get("private"))
			if err != nil {
				return nil, fmt.Errorf("senderkey: signing private key: %w", err)
			}
			signingKey.Private = priv
		}
	}

	var messageKeys []MessageKey
	if mks := entry.Get("senderMessageKeys"); mks.Exists() && mks.IsArray() {
		var perItemErr error
		mks.ForEach(func(_, mkEntry gjson.Result) bool {
			seed, err := bytesFromGJSON(mkEntry.Get("seed"))
			if err != nil {
				perItemErr = err
				return false
			}
			messageKeys = append(messageKeys, MessageKey{Iteration: uint32(mkEntry.Get("iteration").Uint()), Seed: seed})
			return true
		})
		if perItemErr != nil {
			return nil, fmt.Errorf("senderkey: message keys: %w", perItemErr)
		}
	}

	return &State{
		KeyID:       keyID,
		ChainKey:    chainKey,
		SigningKey:  signingKey,
		MessageKeys: messageKeys,
	}, nil
}
