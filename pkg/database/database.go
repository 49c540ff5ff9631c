package database

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	scribble "github.com/nanobox-io/golang-scribble"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
)

const scanResultCollection = "scan-result"

type Database struct {
	dir     string
	mutex   sync.Mutex
	mutexes map[string]*sync.Mutex
	driver  *scribble.Driver
}

func New(dir string) (database *Database, err error) {
	var driver *scribble.Driver
	driver, err = scribble.New(dir, nil)
	if err != nil {
		err = errors.Wrapv(err, "unable to create new database driver for directory", dir)
		return
	}

	database = &Database{
		dir:     dir,
		mutexes: make(map[string]*sync.Mutex),
		driver:  driver,
	}
	return
}

func (d *Database) TableExists(collection string) bool {
	dir := filepath.Join(d.dir, collection)
	_, err := os.Stat(dir)
	return !os.IsNotExist(err)
}

// WriteScanResult stores a new immutable scan result document. A rescan
// writes a new document; existing ones are never modified.
func (d *Database) WriteScanResult(result *ScanResult) (err error) {
	mutex := d.getOrCreateMutex(scanResultCollection)
	mutex.Lock()
	defer mutex.Unlock()

	if result.ID == "" {
		result.ID = CreateHashID(result.RepoKey, result.Branch, result.Timestamp.UnixNano())
	}

	return d.driver.Write(scanResultCollection, result.ID, result)
}

func (d *Database) GetScanResults() (results []*ScanResult, err error) {
	if !d.TableExists(scanResultCollection) {
		return
	}

	var rows []string
	if rows, err = d.driver.ReadAll(scanResultCollection); err != nil {
		err = errors.Wrap(err, "unable to read scan results")
		return
	}

	for _, row := range rows {
		result := &ScanResult{}
		if err = json.Unmarshal([]byte(row), result); err != nil {
			err = errors.Wrap(err, "unable to unmarshal scan result")
			return
		}
		results = append(results, result)
	}

	return
}

// LatestScanResults resolves the latest result per repository key by
// timestamp comparison. Superseded results stay on disk untouched.
func (d *Database) LatestScanResults() (results map[string]*ScanResult, err error) {
	var all []*ScanResult
	if all, err = d.GetScanResults(); err != nil {
		return
	}

	results = map[string]*ScanResult{}
	for _, result := range all {
		latest, ok := results[result.RepoKey]
		if !ok || result.Timestamp.After(latest.Timestamp) {
			results[result.RepoKey] = result
		}
	}

	return
}

// LatestScanResult returns the latest result for one repo+branch, or nil.
func (d *Database) LatestScanResult(repoKey, branch string) (result *ScanResult, err error) {
	var all []*ScanResult
	if all, err = d.GetScanResults(); err != nil {
		return
	}

	for _, candidate := range all {
		if candidate.RepoKey != repoKey || candidate.Branch != branch {
			continue
		}
		if result == nil || candidate.Timestamp.After(result.Timestamp) {
			result = candidate
		}
	}

	return
}

func (d *Database) getOrCreateMutex(collection string) *sync.Mutex {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	m, ok := d.mutexes[collection]
	if !ok {
		m = &sync.Mutex{}
		d.mutexes[collection] = m
	}

	return m
}

func CreateHashID(firstInput interface{}, otherInputs ...interface{}) (result string) {
	str := fmt.Sprintf("%v", firstInput)
	for _, otherInput := range otherInputs {
		str += fmt.Sprintf("-%v", otherInput)
	}

	h := sha1.New()
	h.Write([]byte(str))
	bs := h.Sum(nil)

	return fmt.Sprintf("%x", bs)
}
