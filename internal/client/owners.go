package client

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"sync"

	"cdp-go/internal/cdp"
)

// ownerCache resolves uid and gid to user and group names, remembering
// every answer. Unknown ids resolve to their decimal form.
type ownerCache struct {
	mu     sync.Mutex
	users  map[uint32]string
	groups map[uint32]string
}

func newOwnerCache() *ownerCache {
	return &ownerCache{users: make(map[uint32]string), groups: make(map[uint32]string)}
}

func (c *ownerCache) names(uid, gid uint32) (owner, group string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, ok := c.users[uid]
	if !ok {
		owner = strconv.FormatUint(uint64(uid), 10)
		if u, err := user.LookupId(owner); err == nil {
			owner = u.Username
		}
		c.users[uid] = owner
	}

	group, ok = c.groups[gid]
	if !ok {
		group = strconv.FormatUint(uint64(gid), 10)
		if g, err := user.LookupGroupId(group); err == nil {
			group = g.Name
		}
		c.groups[gid] = group
	}
	return owner, group
}

// Hostname returns configured, or the system hostname when it is empty.
func Hostname(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("reading hostname: %w", err)
	}
	return name, nil
}

// CurrentUserQuery returns a query selecting the files of hostname owned
// by the running user and their primary group.
func CurrentUserQuery(hostname string) (cdp.Query, error) {
	u, err := user.Current()
	if err != nil {
		return cdp.Query{}, fmt.Errorf("looking up current user: %w", err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return cdp.Query{}, fmt.Errorf("uid %q is not numeric", u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return cdp.Query{}, fmt.Errorf("gid %q is not numeric", u.Gid)
	}

	owners := newOwnerCache()
	owner, group := owners.names(uint32(uid), uint32(gid))
	return cdp.Query{
		Hostname: hostname,
		UID:      uint32(uid),
		GID:      uint32(gid),
		Owner:    owner,
		Group:    group,
	}, nil
}
