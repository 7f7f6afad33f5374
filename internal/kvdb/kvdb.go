// Package kvdb is a small key-value driver over tidwall/buntdb, grounded
// on cmd/authn/main.go's `kvdb.NewBuntDB(dbPath)` call (the teacher's own
// cmn/kvdb package wasn't part of the retrieved pack, only this call site
// was, so the driver surface below is reconstructed from how authn uses
// it: a path-backed, open-once driver handed to a manager at startup).
//
// editorsrv uses one Driver instance as its on-disk marker store: each
// instance it stores is recorded under its commit_id@quality key with the
// instance's socket path as value. Nothing in the control server reads
// these entries back; adoption probes the install's socket directly.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package kvdb

import (
	"github.com/tidwall/buntdb"
)

// Driver is the minimal get/set/delete surface the control server needs;
// kept narrow on purpose so a future alternate backend (as authn's own
// kvdb package allows) only has to implement these four methods.
type Driver interface {
	Get(bucket, key string) (string, error)
	Set(bucket, key, val string) error
	Delete(bucket, key string) error
	Close() error
}

type buntDriver struct {
	db *buntdb.DB
}

// NewBuntDB opens (creating if absent) a buntdb file at path.
func NewBuntDB(path string) (Driver, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &buntDriver{db: db}, nil
}

func composite(bucket, key string) string { return bucket + "\x00" + key }

func (d *buntDriver) Get(bucket, key string) (val string, err error) {
	err = d.db.View(func(tx *buntdb.Tx) error {
		v, e := tx.Get(composite(bucket, key))
		if e != nil {
			return e
		}
		val = v
		return nil
	})
	if err == buntdb.ErrNotFound {
		return "", nil
	}
	return val, err
}

func (d *buntDriver) Set(bucket, key, val string) error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, e := tx.Set(composite(bucket, key), val, nil)
		return e
	})
}

func (d *buntDriver) Delete(bucket, key string) error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, e := tx.Delete(composite(bucket, key))
		if e == buntdb.ErrNotFound {
			return nil
		}
		return e
	})
}

func (d *buntDriver) Close() error { return d.db.Close() }
