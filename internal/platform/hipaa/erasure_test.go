package hipaa

import "testing"

func TestDefaultErasurePlan(t *testing.T) {
	plan, err := NewErasurePlan(DefaultRetentionPolicies())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	anonymized := map[string]bool{}
	for _, c := range plan.Anonymize {
		anonymized[c.Key()] = true
	}
	for _, c := range []Column{UserFirstName, UserLastName, UserEmail, UserPhone, UserSpecialty, UserMFASecret, DeletionDeviceFingerprint} {
		if !anonymized[c.Key()] {
			t.Errorf("%s should be anonymized", c.Key())
		}
	}

	retained := map[string]bool{}
	for _, c := range plan.Retain {
		retained[c.Key()] = true
	}
	for _, c := range []Column{RecordDiagnosis, RecordDetails, RecordPrescription, ConsentPair, AccessEvent} {
		if !retained[c.Key()] {
			t.Errorf("%s should be retained", c.Key())
		}
	}
}

func TestNewErasurePlan_MissingPolicy(t *testing.T) {
	policies := []RetentionPolicy{{Category: CategoryIdentity, Action: ActionAnonymize}}
	if _, err := NewErasurePlan(policies); err == nil {
		t.Fatal("expected error when a category has no policy")
	}
}

func TestAnonymizedColumns_FiltersByTable(t *testing.T) {
	plan, _ := NewErasurePlan(DefaultRetentionPolicies())
	cols := plan.AnonymizedColumns("users")
	if len(cols) != 6 {
		t.Fatalf("expected 6 user columns, got %d", len(cols))
	}
	for _, c := range cols {
		if c.Table != "users" {
			t.Errorf("unexpected table %s", c.Table)
		}
	}
}

func TestReplacement(t *testing.T) {
	if got := Replacement(UserEmail, "P42"); got != "deleted-P42@erased.invalid" {
		t.Errorf("email replacement: %v", got)
	}
	if got := Replacement(UserPhone, "P42"); got != nil {
		t.Errorf("phone should be cleared, got %v", got)
	}
	if got := Replacement(UserFirstName, "P42"); got != "Deleted" {
		t.Errorf("first name replacement: %v", got)
	}
}

func TestEncryptedColumns(t *testing.T) {
	enc := EncryptedColumns()
	if !enc[UserMFASecret.Key()] || !enc[RecordDiagnosis.Key()] {
		t.Error("expected MFA secret and diagnosis to be encrypted")
	}
	if enc[UserEmail.Key()] {
		t.Error("email is indexed and stored in plaintext")
	}
}
