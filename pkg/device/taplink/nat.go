//go:build linux

package taplink

import (
	"fmt"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// NAT configures masquerading and forwarding for traffic moving between a
// TAP interface and the rest of the host's network, so packets this
// module's engine emits toward the "outside" actually reach it. Grounded
// on the teacher's NFTablesNAT (pkg/net/nftables.go): same postrouting
// masquerade plus bidirectional forward-accept shape, generalized from a
// single hardcoded sandbox table name to any caller-chosen TAP interface.
//
// Unlike the teacher's NFTablesRules, this package does not add any
// DNAT/port-redirect or protocol-drop rules: SPEC_FULL.md's taplink
// adapter is a generic host-stack egress path, not an HTTP/HTTPS
// intercepting proxy, so there is no fixed set of ports to rewrite.
type NAT struct {
	tapInterface string
	conn         *nftables.Conn
	table        *nftables.Table
}

// NewNAT prepares NAT rules for tapInterface; call Setup to apply them.
func NewNAT(tapInterface string) *NAT {
	return &NAT{tapInterface: tapInterface}
}

func (n *NAT) tableName() string { return "netreactor_nat_" + n.tapInterface }

// Setup creates the table, chains, and rules and flushes them to the
// kernel. Requires CAP_NET_ADMIN.
func (n *NAT) Setup() error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("taplink: nftables connection: %w", err)
	}
	n.conn = conn

	n.table = conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   n.tableName(),
	})

	postChain := conn.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    n.table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})

	fwdChain := conn.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    n.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})

	conn.AddRule(&nftables.Rule{
		Table: n.table,
		Chain: postChain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: ifname(n.tapInterface)},
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(n.tapInterface)},
			&expr.Masq{},
		},
	})

	conn.AddRule(&nftables.Rule{
		Table: n.table,
		Chain: fwdChain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(n.tapInterface)},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
	})

	conn.AddRule(&nftables.Rule{
		Table: n.table,
		Chain: fwdChain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(n.tapInterface)},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
	})

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("taplink: apply NAT rules: %w", err)
	}
	return nil
}

// Cleanup removes the table this NAT instance created, if any.
func (n *NAT) Cleanup() error {
	if n.conn == nil {
		conn, err := nftables.New()
		if err != nil {
			return fmt.Errorf("taplink: nftables connection: %w", err)
		}
		n.conn = conn
	}

	tables, err := n.conn.ListTables()
	if err != nil {
		return fmt.Errorf("taplink: list tables: %w", err)
	}
	name := n.tableName()
	for _, t := range tables {
		if t.Name == name && t.Family == nftables.TableFamilyIPv4 {
			n.conn.DelTable(t)
			break
		}
	}
	return n.conn.Flush()
}

func ifname(n string) []byte {
	b := make([]byte, ifnameLen)
	copy(b, n)
	return b
}
