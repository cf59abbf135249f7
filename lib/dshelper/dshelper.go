package dshelper

import (
	"fmt"
	"os"

	ds "github.com/ipfs/go-datastore"
	badger "github.com/textileio/go-ds-badger3"
)

// NewBadgerTxnDatastore opens a Badger-backed transactional datastore under repoPath,
// creating the directory if needed.
func NewBadgerTxnDatastore(repoPath string) (ds.TxnDatastore, error) {
	if err := os.MkdirAll(repoPath, 0700); err != nil {
		return nil, fmt.Errorf("creating repo dir: %s", err)
	}
	opts := badger.DefaultOptions
	d, err := badger.NewDatastore(repoPath, &opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger datastore: %s", err)
	}
	return d, nil
}
