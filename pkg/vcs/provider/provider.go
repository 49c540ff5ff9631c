// Package provider contains the backend adapters that normalize each VCS
// API into the common repo model. Adapters are stateless with respect to
// persisted repo state; they only talk to their remote API.
package provider

import (
	"sync"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
)

const perPage = 100

// contactCache keeps the contact discovered while resolving the most
// recent branch, so the follow-up Contact call does not hit the API again.
type contactCache struct {
	mu       sync.Mutex
	contacts map[string]vcs.Contact
}

func (c *contactCache) put(repoKey string, contact vcs.Contact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.contacts == nil {
		c.contacts = map[string]vcs.Contact{}
	}
	c.contacts[repoKey] = contact
}

func (c *contactCache) get(repoKey string) (contact vcs.Contact, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	contact, ok = c.contacts[repoKey]
	return
}
