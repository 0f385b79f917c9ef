package testutil

// TestSigningKey is HMAC key material for tests only.
const TestSigningKey = "test-signing-key-1234567890123456"

// Fixed identifiers used across package tests.
const (
	TestStudentID  = "student-001"
	TestActivityID = "activity-loops-01"
)
