package registry

import (
	"context"
	"crypto/sha256"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/semverx/registry/fetch"
)

func rec(packageID, version string, deps ...DependencyEdge) *Record {
	return &Record{
		PackageID:    packageID,
		Version:      MustParseVersion(version),
		License:      "MIT",
		Dependencies: deps,
	}
}

func dep(id, rangeText string) DependencyEdge {
	return DependencyEdge{DependencyID: id, Range: MustParseRange(rangeText)}
}

func publish(t *testing.T, reg *Registry, recs ...*Record) {
	t.Helper()
	for _, r := range recs {
		if err := reg.Publish(context.Background(), r); err != nil {
			t.Fatalf("Publish(%s) failed: %v", r.Key(), err)
		}
	}
}

func TestPublishResolveEndToEnd(t *testing.T) {
	reg := New()

	publish(t, reg,
		rec("utils", "1.stable.3.stable.0.stable"),
		rec("core", "2.stable.1.stable.0.stable", dep("utils", "1.*.*.stable.*.*")),
	)

	plan, err := reg.Resolve(context.Background(), "core", "2.stable.*.*.*.*", "hybrid")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	want := []string{
		"core@2.stable.1.stable.0.stable",
		"utils@1.stable.3.stable.0.stable",
	}
	var got []string
	for _, r := range plan.Records {
		got = append(got, r.Key())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plan records mismatch (-want +got):\n%s", diff)
	}
	if plan.Strategy != Hybrid {
		t.Errorf("Strategy = %v, want %v", plan.Strategy, Hybrid)
	}
}

func TestPublishRejectsInvalid(t *testing.T) {
	reg := New()
	publish(t, reg, rec("dup", "1.stable.0.stable.0.stable"))

	tests := []struct {
		name string
		rec  *Record
		want error
	}{
		{"nil record", nil, ErrInvalidRecord},
		{"missing package id", &Record{Version: MustParseVersion("1.stable.0.stable.0.stable")}, ErrInvalidRecord},
		{"channels unset", &Record{PackageID: "x"}, ErrInvalidRecord},
		{
			"bad license",
			&Record{
				PackageID: "x",
				Version:   MustParseVersion("1.stable.0.stable.0.stable"),
				License:   "NOT-A-LICENSE-9000",
			},
			ErrInvalidLicense,
		},
		{"duplicate identity", rec("dup", "1.stable.0.stable.0.stable"), ErrDuplicateVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.Publish(context.Background(), tt.rec); !errors.Is(err, tt.want) {
				t.Errorf("Publish = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPublishNotifiesSubscribers(t *testing.T) {
	reg := New()

	var mu sync.Mutex
	var events []Event
	_, err := reg.Subscribe("lib", func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	publish(t, reg,
		rec("lib", "1.stable.0.stable.0.stable"),
		rec("lib", "1.stable.1.stable.0.stable"),
	)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].OldVersion != nil {
		t.Errorf("first release OldVersion = %v, want nil", events[0].OldVersion)
	}
	second := events[1]
	if second.OldVersion == nil || second.OldVersion.String() != "1.stable.0.stable.0.stable" {
		t.Errorf("second release OldVersion = %v, want 1.stable.0.stable.0.stable", second.OldVersion)
	}
	if second.Kind != KindOptIn {
		t.Errorf("Kind = %v, want %v", second.Kind, KindOptIn)
	}
}

func TestPublishStampsLastNotified(t *testing.T) {
	reg := New()
	publish(t, reg, rec("lib", "1.stable.0.stable.0.stable"))

	got, err := reg.Find("lib", MustParseVersion("1.stable.0.stable.0.stable"))
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got.LastNotified.IsZero() {
		t.Error("LastNotified not stamped after publish event")
	}

	if _, err := reg.ReportFault(context.Background(), "lib", got.Version, 3, "parity warning"); err != nil {
		t.Fatalf("ReportFault failed: %v", err)
	}
	again, err := reg.Find("lib", got.Version)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if again.LastNotified.Before(got.LastNotified) {
		t.Errorf("LastNotified went backwards: %v -> %v", got.LastNotified, again.LastNotified)
	}
}

func TestResolveErrors(t *testing.T) {
	reg := New()
	publish(t, reg, rec("known", "1.stable.0.stable.0.stable"))

	if _, err := reg.Resolve(context.Background(), "ghost", "*.*.*.*.*.*", "hybrid"); !errors.Is(err, ErrEmptyGraph) {
		t.Errorf("unknown package: err = %v, want ErrEmptyGraph", err)
	}
	if _, err := reg.Resolve(context.Background(), "known", "1.*", "hybrid"); !errors.Is(err, ErrMalformedRange) {
		t.Errorf("bad range: err = %v, want ErrMalformedRange", err)
	}
	if _, err := reg.Resolve(context.Background(), "known", "*.*.*.*.*.*", "quantum"); err == nil {
		t.Error("unknown strategy: err = nil, want error")
	}
}

// A root requiring three leaves has four odd-degree nodes: the Eulerian
// check reports Disconnected and the fault engine freezes the root.
func TestResolveDisconnectedFreezesRoot(t *testing.T) {
	reg := New()
	publish(t, reg,
		rec("leaf-a", "1.stable.0.stable.0.stable"),
		rec("leaf-b", "1.stable.0.stable.0.stable"),
		rec("leaf-c", "1.stable.0.stable.0.stable"),
		rec("star", "1.stable.0.stable.0.stable",
			dep("leaf-a", "*.*.*.*.*.*"),
			dep("leaf-b", "*.*.*.*.*.*"),
			dep("leaf-c", "*.*.*.*.*.*"),
		),
	)

	plan, err := reg.Resolve(context.Background(), "star", "*.*.*.*.*.*", "eulerian")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if ClassifyFault(plan.FaultLevel) != BandDanger {
		t.Fatalf("fault band = %v, want %v", ClassifyFault(plan.FaultLevel), BandDanger)
	}

	root, err := reg.Find("star", MustParseVersion("1.stable.0.stable.0.stable"))
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if !root.Frozen {
		t.Error("root not frozen after Danger-band fault")
	}

	if _, err := reg.Install(context.Background(), "star", "*.*.*.*.*.*"); !errors.Is(err, ErrRecordFrozen) {
		t.Errorf("Install on frozen record: err = %v, want ErrRecordFrozen", err)
	}
}

func artifactServer(t *testing.T, artifacts map[string][]byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := artifacts[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestInstallVerifiesArtifacts(t *testing.T) {
	coreTar := []byte("core artifact bytes")
	utilsTar := []byte("utils artifact bytes")
	server := artifactServer(t, map[string][]byte{
		"/core.tar.gz":  coreTar,
		"/utils.tar.gz": utilsTar,
	})

	reg := New(WithStore(fetch.NewClient(fetch.WithMaxRetries(0))))

	utils := rec("utils", "1.stable.0.stable.0.stable")
	utils.TarballURL = server.URL + "/utils.tar.gz"
	utils.Checksum = Checksum(sha256.Sum256(utilsTar))

	root := rec("core", "1.stable.0.stable.0.stable", dep("utils", "*.*.*.*.*.*"))
	root.TarballURL = server.URL + "/core.tar.gz"
	root.Checksum = Checksum(sha256.Sum256(coreTar))

	publish(t, reg, utils, root)

	installed, err := reg.Install(context.Background(), "core", "1.*.*.*.*.*")
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if installed.UpdateCount != 1 {
		t.Errorf("UpdateCount = %d, want 1", installed.UpdateCount)
	}
	if installed.LastUpdate.IsZero() {
		t.Error("LastUpdate not set")
	}
}

func TestInstallChecksumMismatchRollsBack(t *testing.T) {
	server := artifactServer(t, map[string][]byte{
		"/evil.tar.gz": []byte("tampered bytes"),
	})

	reg := New(WithStore(fetch.NewClient(fetch.WithMaxRetries(0))))

	root := rec("pkg", "1.stable.0.stable.0.stable")
	root.TarballURL = server.URL + "/evil.tar.gz"
	root.Checksum = Checksum(sha256.Sum256([]byte("the real bytes")))
	publish(t, reg, root)

	if _, err := reg.Install(context.Background(), "pkg", "*.*.*.*.*.*"); !errors.Is(err, fetch.ErrChecksumMismatch) {
		t.Fatalf("Install = %v, want ErrChecksumMismatch", err)
	}

	got, err := reg.Find("pkg", MustParseVersion("1.stable.0.stable.0.stable"))
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if !got.RolledBack {
		t.Error("record not marked rolled back after Critical fault")
	}
	if got.UpdateCount != 0 {
		t.Errorf("UpdateCount = %d, want 0 after failed install", got.UpdateCount)
	}
}

func TestDeprecateNotifiesStale(t *testing.T) {
	reg := New()
	publish(t, reg, rec("old", "1.stable.0.stable.0.stable"))

	var mu sync.Mutex
	var kinds []Kind
	if _, err := reg.Subscribe("old", func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	version := MustParseVersion("1.stable.0.stable.0.stable")
	if err := reg.Deprecate(context.Background(), "old", version); err != nil {
		t.Fatalf("Deprecate failed: %v", err)
	}
	if _, err := reg.Find("old", version); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find after Deprecate = %v, want ErrNotFound", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 1 || kinds[0] != KindStaleRelease {
		t.Errorf("kinds = %v, want [%v]", kinds, KindStaleRelease)
	}
}

func TestReportFaultRollsBackToCheckpoint(t *testing.T) {
	reg := New()
	publish(t, reg, rec("svc", "2.stable.0.stable.0.stable"))

	version := MustParseVersion("2.stable.0.stable.0.stable")
	if err := reg.Checkpoint("svc", version); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	fr, err := reg.ReportFault(context.Background(), "svc", version, 20, "canary failure")
	if err != nil {
		t.Fatalf("ReportFault failed: %v", err)
	}
	if fr.Band != BandCritical || !fr.RolledBack {
		t.Errorf("fault record = %+v, want Critical and rolled back", fr)
	}

	if err := reg.ClearFault("svc", version); err != nil {
		t.Fatalf("ClearFault failed: %v", err)
	}
	got, err := reg.Find("svc", version)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got.FaultState != 0 || got.Frozen {
		t.Errorf("after ClearFault: FaultState = %d, Frozen = %v", got.FaultState, got.Frozen)
	}
}

func TestExplainFindsRequireChain(t *testing.T) {
	reg := New()
	publish(t, reg,
		rec("d", "1.stable.0.stable.0.stable"),
		rec("b", "1.stable.0.stable.0.stable", dep("d", "*.*.*.*.*.*")),
		rec("c", "1.stable.0.stable.0.stable", dep("d", "*.*.*.*.*.*")),
		rec("a", "1.stable.0.stable.0.stable",
			dep("b", "*.*.*.*.*.*"),
			dep("c", "*.*.*.*.*.*"),
		),
	)

	plan, err := reg.Explain(context.Background(), "a", "*.*.*.*.*.*", "d", MustParseVersion("1.stable.0.stable.0.stable"))
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if len(plan.Path) != 3 || plan.Cost != 2 {
		t.Errorf("Path = %v (cost %d), want 3 hops costing 2", plan.Path, plan.Cost)
	}
}

func TestInstallPURL(t *testing.T) {
	reg := New()
	publish(t, reg,
		rec("core", "1.stable.0.stable.0.stable"),
		rec("core", "2.stable.0.stable.0.stable"),
	)

	installed, err := reg.InstallPURL(context.Background(), "pkg:semverx/core@2.stable.0.stable.0.stable")
	if err != nil {
		t.Fatalf("InstallPURL failed: %v", err)
	}
	if installed.Version.Major != 2 {
		t.Errorf("installed %s, want major 2", installed.Version)
	}

	newest, err := reg.InstallPURL(context.Background(), "pkg:semverx/core")
	if err != nil {
		t.Fatalf("InstallPURL without version failed: %v", err)
	}
	if newest.Version.Major != 2 {
		t.Errorf("installed %s, want newest (major 2)", newest.Version)
	}
}

func TestFindRange(t *testing.T) {
	reg := New()
	publish(t, reg,
		rec("lib", "1.stable.0.stable.0.stable"),
		rec("lib", "2.stable.0.stable.0.stable"),
		rec("lib", "2.experimental.1.stable.0.stable"),
	)

	got, err := reg.FindRange("lib", "2.stable.*.*.*.*")
	if err != nil {
		t.Fatalf("FindRange failed: %v", err)
	}
	if len(got) != 1 || got[0].Version.String() != "2.stable.0.stable.0.stable" {
		t.Errorf("FindRange = %d records, want exactly 2.stable.0.stable.0.stable", len(got))
	}
}
