package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/netfroyo/pkg/backend/memory"
	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/state"
	"github.com/openfroyo/netfroyo/pkg/stores"
)

// ExampleSQLiteStore_RecordRun records a reconciliation and reads its
// history back.
func ExampleSQLiteStore_RecordRun() {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	desired, err := state.Decode([]byte(`
interfaces:
  - name: dummy0
    type: dummy
    state: up
  - name: dummy1
    type: dummy
    state: up
`))
	if err != nil {
		log.Fatal(err)
	}

	rec := engine.NewReconciler(memory.New(nil), engine.WithRunRecorder(store))
	result, err := rec.Reconcile(ctx, desired, engine.DefaultOptions())
	if err != nil {
		log.Fatal(err)
	}

	runs, err := store.ListRuns(ctx, stores.RunFilter{Limit: 10})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(len(runs), runs[0].ID == result.RunID, runs[0].Outcome)

	ops, err := store.ListOperationsByRun(ctx, result.RunID)
	if err != nil {
		log.Fatal(err)
	}
	for _, op := range ops {
		fmt.Println(op.Action, op.Status)
	}

	// Output:
	// 1 true committed
	// create succeeded
	// create succeeded
}
