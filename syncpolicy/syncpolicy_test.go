package syncpolicy

import "testing"

func TestSelect(t *testing.T) {
	cases := []struct {
		name  string
		caps  map[string]bool
		prefs Prefs
		want  Policy
	}{
		{"cache disabled always none", map[string]bool{"CONDSTORE": true, "QRESYNC": true}, Prefs{OfflineCacheEnabled: false, CondstoreEnabled: true}, None},
		{"user disabled condstore", map[string]bool{"CONDSTORE": true}, Prefs{OfflineCacheEnabled: true, CondstoreEnabled: false}, Basic},
		{"server lacks condstore", map[string]bool{}, Prefs{OfflineCacheEnabled: true, CondstoreEnabled: true}, Basic},
		{"qresync advertised", map[string]bool{"CONDSTORE": true, "QRESYNC": true}, Prefs{OfflineCacheEnabled: true, CondstoreEnabled: true}, CondstoreQresync},
		{"condstore only", map[string]bool{"CONDSTORE": true}, Prefs{OfflineCacheEnabled: true, CondstoreEnabled: true}, Condstore},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Select(c.caps, c.prefs); got != c.want {
				t.Errorf("Select() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestNeverDowngrades(t *testing.T) {
	// Select is pure and stateless; the "never downgrades mid-session"
	// rule (spec.md §4.9) is enforced by Connection calling Select
	// exactly once per reconnect and holding the result, not by this
	// function recomputing a lower policy later. Exercise that a
	// second call with a narrower capability set does produce a lower
	// value, confirming the caller — not Select — is responsible for
	// latching it.
	first := Select(map[string]bool{"CONDSTORE": true, "QRESYNC": true}, Prefs{OfflineCacheEnabled: true, CondstoreEnabled: true})
	second := Select(map[string]bool{}, Prefs{OfflineCacheEnabled: true, CondstoreEnabled: true})
	if first == second {
		t.Fatal("expected distinguishable policies for distinguishable inputs")
	}
}
