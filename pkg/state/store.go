package state

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DataVersion gates state files; older files are treated as absent.
const DataVersion = 1

type (
	// Model is the in-memory repository model for one or more backends,
	// keyed by Repo.Key().
	Model map[string]*vcs.Repo

	// Store persists the repository model to one YAML file per backend
	// under the output directory. Writes are serialized per backend and
	// use the write-temp-then-rename discipline, so an interrupted run
	// never leaves a truncated state file behind.
	Store struct {
		outputDir string
		mutex     sync.Mutex
		mutexes   map[string]*sync.Mutex
		log       *logrus.Entry
	}

	document struct {
		DataVersion int                  `yaml:"data_version"`
		Data        map[string]*vcs.Repo `yaml:"data"`
	}
)

func NewStore(outputDir string, log *logrus.Entry) *Store {
	return &Store{
		outputDir: outputDir,
		mutexes:   make(map[string]*sync.Mutex),
		log:       log,
	}
}

func (s *Store) FilePath(backend string) string {
	return filepath.Join(s.outputDir, fmt.Sprintf("repos_%s.yaml", backend))
}

// Load returns the persisted model for a backend, or an empty model if no
// usable state file exists. A stale data version is a warning, not an error.
func (s *Store) Load(backend string) (result Model, err error) {
	result = Model{}

	path := s.FilePath(backend)
	raw, readErr := ioutil.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return
		}
		err = errors.Wrapv(readErr, "unable to read state file", path)
		return
	}

	var doc document
	if err = yaml.Unmarshal(raw, &doc); err != nil {
		err = errors.Wrapv(err, "unable to parse state file", path)
		return
	}

	if doc.DataVersion != DataVersion {
		s.log.WithField("path", path).Warn("state file data version outdated, ignoring it")
		return
	}

	for key, repo := range doc.Data {
		if repo.Backend != backend {
			continue
		}
		result[key] = repo
	}

	return
}

// Save writes the backend's slice of the model atomically.
func (s *Store) Save(backend string, model Model) (err error) {
	mutex := s.getOrCreateMutex(backend)
	mutex.Lock()
	defer mutex.Unlock()

	if err = os.MkdirAll(s.outputDir, 0755); err != nil {
		err = errors.Wrapv(err, "unable to create output dir", s.outputDir)
		return
	}

	doc := document{DataVersion: DataVersion, Data: map[string]*vcs.Repo{}}
	for key, repo := range model {
		if repo.Backend != backend {
			continue
		}
		doc.Data[key] = repo
	}

	var raw []byte
	if raw, err = yaml.Marshal(doc); err != nil {
		err = errors.Wrap(err, "unable to marshal state")
		return
	}

	path := s.FilePath(backend)
	tmpPath := path + ".tmp"
	if err = ioutil.WriteFile(tmpPath, raw, 0644); err != nil {
		err = errors.Wrapv(err, "unable to write temp state file", tmpPath)
		return
	}
	if err = os.Rename(tmpPath, path); err != nil {
		err = errors.Wrapv(err, "unable to move state file into place", tmpPath, path)
		return
	}

	s.log.WithField("path", path).Debug("wrote state file")

	return
}

// SaveRepo updates one repository in the model and persists its backend file.
func (s *Store) SaveRepo(repo *vcs.Repo, model Model) (err error) {
	model[repo.Key()] = repo
	return s.Save(repo.Backend, model)
}

// Refresh returns the authoritative model for a backend. The on-disk file,
// if present, wins for stable fields unless force is set, in which case the
// full listing is re-fetched and merged over it (scan bookkeeping survives).
func (s *Store) Refresh(ctx context.Context, backend vcs.Backend, force bool) (result Model, err error) {
	name := backend.Name()

	var persisted Model
	if persisted, err = s.Load(name); err != nil {
		return
	}

	if len(persisted) > 0 && !force {
		s.log.Infof("(%s) using repo data from [%s], pass --updateinfo to refresh it", name, s.FilePath(name))
		result = persisted
		return
	}

	var fresh Model
	if fresh, err = s.discover(ctx, backend); err != nil {
		return
	}

	result = Model{}
	for key, repo := range fresh {
		if old, ok := persisted[key]; ok {
			result[key] = vcs.MergeStable(old, repo)
			continue
		}
		result[key] = repo
	}

	err = s.Save(name, result)

	return
}

// TouchVolatile re-fetches branch and contact metadata for one repository.
// Called every run for every repository about to be cloned or scanned,
// independent of whether a full refresh happened. Contact absence is fine.
func (s *Store) TouchVolatile(ctx context.Context, backend vcs.Backend, repo *vcs.Repo) (err error) {
	var branch string
	if branch, err = backend.MostRecentBranch(ctx, repo); err != nil {
		err = errors.WithMessagev(err, "unable to refresh branch metadata", repo.FullName())
		return
	}

	contact, contactErr := backend.Contact(ctx, repo)
	if contactErr != nil {
		s.log.WithField("repo", repo.FullName()).WithError(contactErr).Debug("no contact metadata")
	}

	repo.ApplyVolatile(branch, contact)

	return
}

func (s *Store) discover(ctx context.Context, backend vcs.Backend) (result Model, err error) {
	name := backend.Name()
	s.log.Infof("(%s) fetching repo data", name)

	var groups []vcs.Group
	if groups, err = backend.ListGroups(ctx); err != nil {
		err = errors.WithMessagev(err, "unable to list groups", name)
		return
	}

	result = Model{}
	for _, group := range groups {
		var repos []*vcs.Repo
		if repos, err = backend.ListRepositories(ctx, group); err != nil {
			// A mid-pagination failure aborts this backend's discovery
			// for the run; partial listings are never persisted.
			err = errors.WithMessagev(err, "unable to list repositories", name, group.Name)
			result = nil
			return
		}
		for _, repo := range repos {
			result[repo.Key()] = repo
		}
	}

	return
}

func (s *Store) getOrCreateMutex(backend string) *sync.Mutex {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	m, ok := s.mutexes[backend]
	if !ok {
		m = &sync.Mutex{}
		s.mutexes[backend] = m
	}

	return m
}
