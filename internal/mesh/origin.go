// Package mesh ties the local mDNS segment to the peer mesh: it classifies
// the origin of observed services, keeps the local observation store current
// and discovers which peers and service types to follow.
package mesh

// Ownership is the view of the peer snapshot store the classifier needs.
type Ownership interface {
	Owns(name string) bool
}

// Classifier decides whether an observed service was put on the segment by
// this node on behalf of a peer.
type Classifier struct {
	peers Ownership
}

// NewClassifier returns a classifier backed by peers.
func NewClassifier(peers Ownership) *Classifier {
	return &Classifier{peers: peers}
}

// IsPeerOwned reports whether name appears in any peer's mapping. The answer
// depends on name only; the service type is not consulted.
func (c *Classifier) IsPeerOwned(name string) bool {
	return c.peers.Owns(name)
}
