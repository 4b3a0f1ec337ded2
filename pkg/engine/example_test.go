package engine_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/netfroyo/pkg/backend/memory"
	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// Example_prepare shows the operation order for a bond with a VLAN on top.
func Example_prepare() {
	current, _ := state.Decode([]byte(`
interfaces:
  - name: eth0
    type: ethernet
    state: up
  - name: eth1
    type: ethernet
    state: up
`))
	desired, _ := state.Decode([]byte(`
interfaces:
  - name: bond0.42
    type: vlan
    vlan:
      base-iface: bond0
      id: 42
  - name: bond0
    type: bond
    link-aggregation:
      mode: 802.3ad
      port: [eth0, eth1]
`))

	_, g, plan, err := engine.Prepare(current, desired)
	if err != nil {
		log.Fatal(err)
	}

	for i, op := range plan.Operations {
		fmt.Printf("%d. %s\n", i+1, op.String())
	}
	fmt.Printf("levels: %d\n", len(g.Levels()))

	// Output:
	// 1. create bond0 (bond)
	// 2. create bond0.42 (vlan)
	// levels: 2
}

// Example_reconcile runs a full reconciliation against the in-memory backend.
func Example_reconcile() {
	backend := memory.New(nil)
	r := engine.NewReconciler(backend)

	doc, _ := state.Decode([]byte(`
interfaces:
  - name: dummy0
    type: dummy
    mtu: 9000
`))

	result, err := r.Reconcile(context.Background(), doc, engine.DefaultOptions())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(result.Outcome)
	fmt.Println(backend.Names())

	result, _ = r.Reconcile(context.Background(), doc, engine.DefaultOptions())
	fmt.Println(result.Outcome)

	// Output:
	// committed
	// [dummy0]
	// no-changes
}
