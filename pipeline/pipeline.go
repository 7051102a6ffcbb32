// Package pipeline moves notifications through their lifecycle: inbound
// messages from the HTTP boundary into the side-effect engine, outbound
// activities through signed delivery with per-domain circuit breaking.
package pipeline

import (
	"github.com/fedeng/deino/db"
	"github.com/fedeng/deino/delivery"
	"github.com/fedeng/deino/engine"
	"github.com/fedeng/deino/refstore"
	"github.com/fedeng/deino/security"
	"github.com/fedeng/deino/util"
)

// Pipeline owns notification processing on both directions.
type Pipeline struct {
	db   *db.DB
	refs *refstore.Store
	gate *security.Gate
	eng  *engine.Engine
	del  *delivery.Deliverer
	conf *util.AppConfig
}

func New(database *db.DB, refs *refstore.Store, gate *security.Gate, eng *engine.Engine, del *delivery.Deliverer, conf *util.AppConfig) *Pipeline {
	p := &Pipeline{db: database, refs: refs, gate: gate, eng: eng, del: del, conf: conf}
	// Locally synthesized activities (auto-accepts) flow back out through us.
	eng.SetOutbound(p)
	return p
}
