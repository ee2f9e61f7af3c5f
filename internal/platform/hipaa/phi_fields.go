package hipaa

// Category groups columns by how GDPR erasure and HIPAA retention treat them.
type Category string

const (
	CategoryIdentity   Category = "IDENTITY"
	CategoryContact    Category = "CONTACT"
	CategoryCredential Category = "CREDENTIAL"
	CategoryDevice     Category = "DEVICE"
	CategoryClinical   Category = "CLINICAL"
	CategoryConsent    Category = "CONSENT"
	CategoryAudit      Category = "AUDIT"
)

// Column is one PHI-bearing column. Encrypted columns go through a
// FieldEncryptor keyed by Column.Key().
type Column struct {
	Table     string
	Name      string
	Category  Category
	Encrypted bool
}

func (c Column) Key() string { return c.Table + "." + c.Name }

var (
	UserFirstName = Column{Table: "users", Name: "first_name", Category: CategoryIdentity}
	UserLastName  = Column{Table: "users", Name: "last_name", Category: CategoryIdentity}
	UserEmail     = Column{Table: "users", Name: "email", Category: CategoryContact}
	UserPhone     = Column{Table: "users", Name: "phone", Category: CategoryContact, Encrypted: true}
	UserSpecialty = Column{Table: "users", Name: "specialty", Category: CategoryIdentity}
	UserMFASecret = Column{Table: "users", Name: "mfa_secret", Category: CategoryCredential, Encrypted: true}

	DeletionDeviceFingerprint = Column{Table: "deletion_request", Name: "device_fingerprint", Category: CategoryDevice}

	RecordDiagnosis    = Column{Table: "medical_record", Name: "diagnosis", Category: CategoryClinical, Encrypted: true}
	RecordDetails      = Column{Table: "medical_record", Name: "details", Category: CategoryClinical, Encrypted: true}
	RecordPrescription = Column{Table: "medical_record", Name: "prescription", Category: CategoryClinical, Encrypted: true}

	ConsentPair = Column{Table: "consent", Name: "patient_id", Category: CategoryConsent}
	AccessEvent = Column{Table: "access_event", Name: "target_patient_id", Category: CategoryAudit}
)

// PHIColumns lists every catalogued column.
func PHIColumns() []Column {
	return []Column{
		UserFirstName, UserLastName, UserEmail, UserPhone, UserSpecialty, UserMFASecret,
		DeletionDeviceFingerprint,
		RecordDiagnosis, RecordDetails, RecordPrescription,
		ConsentPair, AccessEvent,
	}
}

// EncryptedColumns returns the set of Column.Key() values stored encrypted.
func EncryptedColumns() map[string]bool {
	out := make(map[string]bool)
	for _, c := range PHIColumns() {
		if c.Encrypted {
			out[c.Key()] = true
		}
	}
	return out
}
