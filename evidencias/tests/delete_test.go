package tests

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"
	"github.com/google/uuid"
)

func uploadOne(t *testing.T, c *client, name string) uuid.UUID {
	res, err := c.upload(dimDocencia, critModelo, []struct{ name, data string }{{name, "data for " + name}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 1 {
		t.Fatalf("unexpected upload result %+v", res)
	}
	return res.Results[0].Id
}

func TestDeletionDraftLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	a := uploadOne(t, &user, "a.pdf")
	b := uploadOne(t, &user, "b.pdf")
	c := uploadOne(t, &user, "c.pdf")

	state, err := user.draftState()
	if err != nil {
		t.Fatal(err)
	}
	if state.State != "idle" || len(state.Staged) != 0 {
		t.Fatalf("new draft should be idle, got %+v", state)
	}

	state, err = user.stage([]uuid.UUID{a, b, c, a})
	if err != nil {
		t.Fatal(err)
	}
	if state.State != "staged" || len(state.Staged) != 3 {
		t.Fatalf("duplicate ids should be staged once, got %+v", state)
	}

	state, err = user.unstage(c)
	if err != nil {
		t.Fatal(err)
	}
	if state.State != "staged" || len(state.Staged) != 2 {
		t.Fatalf("unexpected state after unstage %+v", state)
	}

	prompt, err := user.requestConfirmation()
	if err != nil {
		t.Fatal(err)
	}
	if prompt.State != "awaiting_confirmation" || prompt.StagedCount != 2 {
		t.Fatalf("unexpected confirmation prompt %+v", prompt)
	}
	if !strings.Contains(prompt.Confirmation, "2 registros") {
		t.Fatalf("unexpected confirmation message %v", prompt.Confirmation)
	}

	// The staged set is frozen once confirmation is requested.
	_, err = user.stage([]uuid.UUID{c})
	if err == nil || !strings.Contains(err.Error(), "status 409") {
		t.Fatalf("staging while awaiting confirmation should fail: %v", err)
	}

	outcome, err := user.confirmDeletion()
	if err != nil {
		t.Fatal(err)
	}
	if outcome.RecordsDeleted != 2 || outcome.RecordsFailed != 0 || outcome.BlobsFailed != 0 {
		t.Fatalf("unexpected deletion outcome %+v", outcome)
	}

	state, err = user.draftState()
	if err != nil {
		t.Fatal(err)
	}
	if state.State != "idle" || len(state.Staged) != 0 {
		t.Fatalf("draft should return to idle after confirm, got %+v", state)
	}

	list, err := user.listEvidence("")
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || list.Evidences[0].Id != c {
		t.Fatalf("only the unstaged record should remain, got %+v", list)
	}

	for _, name := range []string{"a.pdf", "b.pdf"} {
		path := filepath.Join(env.storage.Location(), "Enfermería", dimDocencia, critModelo, name)
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("blob %v should have been deleted", name)
		}
	}
}

func TestDeletionSequenceViolations(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	a := uploadOne(t, &user, "a.pdf")

	// Nothing staged yet.
	_, err = user.requestConfirmation()
	if err == nil || !strings.Contains(err.Error(), "status 409") {
		t.Fatalf("requesting confirmation with empty draft should fail: %v", err)
	}

	_, err = user.confirmDeletion()
	if err == nil || !strings.Contains(err.Error(), "status 409") {
		t.Fatalf("confirming without a pending request should fail: %v", err)
	}

	err = user.cancelDeletion()
	if err == nil || !strings.Contains(err.Error(), "status 409") {
		t.Fatalf("cancelling without a pending request should fail: %v", err)
	}

	_, err = user.stage([]uuid.UUID{a})
	if err != nil {
		t.Fatal(err)
	}

	// Staged but confirmation not requested yet.
	_, err = user.confirmDeletion()
	if err == nil || !strings.Contains(err.Error(), "status 409") {
		t.Fatalf("confirming before requesting confirmation should fail: %v", err)
	}

	_, err = user.requestConfirmation()
	if err != nil {
		t.Fatal(err)
	}

	err = user.cancelDeletion()
	if err != nil {
		t.Fatal(err)
	}

	state, err := user.draftState()
	if err != nil {
		t.Fatal(err)
	}
	if state.State != "idle" || len(state.Staged) != 0 {
		t.Fatalf("cancel should clear the draft, got %+v", state)
	}

	list, err := user.listEvidence("")
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 {
		t.Fatalf("cancel should not delete anything, got %+v", list)
	}
}

func TestStagePermissions(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	owner, err := env.newUser("owner", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.newUser("other", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	a := uploadOne(t, &owner, "a.pdf")

	_, err = other.stage([]uuid.UUID{a})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the uploader or an admin can stage a record: %v", err)
	}

	_, err = other.stage([]uuid.UUID{uuid.New()})
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("staging an unknown record should fail: %v", err)
	}

	_, err = admin.stage([]uuid.UUID{a})
	if err != nil {
		t.Fatal(err)
	}

	// Drafts are per user, the owner's draft is untouched by the admin's.
	state, err := owner.draftState()
	if err != nil {
		t.Fatal(err)
	}
	if state.State != "idle" || len(state.Staged) != 0 {
		t.Fatalf("owner draft should be empty, got %+v", state)
	}
}

func TestConfirmTreatsMissingRecordsAsDeleted(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	owner, err := env.newUser("owner", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	a := uploadOne(t, &owner, "a.pdf")
	b := uploadOne(t, &owner, "b.pdf")

	for _, c := range []*client{&admin, &owner} {
		if _, err := c.stage([]uuid.UUID{a, b}); err != nil {
			t.Fatal(err)
		}
		if _, err := c.requestConfirmation(); err != nil {
			t.Fatal(err)
		}
	}

	outcome, err := admin.confirmDeletion()
	if err != nil {
		t.Fatal(err)
	}
	if outcome.RecordsDeleted != 2 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	// The owner's staged records are already gone, confirming is a no-op
	// that still reports them as deleted.
	outcome, err = owner.confirmDeletion()
	if err != nil {
		t.Fatal(err)
	}
	if outcome.RecordsDeleted != 2 || outcome.RecordsFailed != 0 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestConfirmReportsBlobFailures(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	a := uploadOne(t, &admin, "a.pdf")
	b := uploadOne(t, &admin, "b.pdf")

	// An imported row whose url points at a host the store cannot resolve.
	orphan := schema.Evidence{
		Id:         uuid.New(),
		Program:    "Enfermería",
		UploadedBy: "antiguo@mail.com",
		Url:        "https://unknown-host.example.com/evidencias/archivo.pdf",
	}
	if err := env.db.Create(&orphan).Error; err != nil {
		t.Fatal(err)
	}

	if _, err := admin.stage([]uuid.UUID{a, b, orphan.Id}); err != nil {
		t.Fatal(err)
	}
	if _, err := admin.requestConfirmation(); err != nil {
		t.Fatal(err)
	}

	// The record removal always wins, a blob that cannot be deleted is
	// reported but does not fail the record.
	outcome, err := admin.confirmDeletion()
	if err != nil {
		t.Fatal(err)
	}
	if outcome.RecordsDeleted != 3 || outcome.RecordsFailed != 0 || outcome.BlobsFailed != 1 {
		t.Fatalf("unexpected deletion outcome %+v", outcome)
	}

	list, err := admin.listEvidence("")
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 0 {
		t.Fatalf("all records should be gone regardless of blob failures, got %+v", list)
	}
}

func TestDiscardDraft(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	a := uploadOne(t, &user, "a.pdf")

	_, err = user.stage([]uuid.UUID{a})
	if err != nil {
		t.Fatal(err)
	}

	err = user.discard()
	if err != nil {
		t.Fatal(err)
	}

	state, err := user.draftState()
	if err != nil {
		t.Fatal(err)
	}
	if state.State != "idle" || len(state.Staged) != 0 {
		t.Fatalf("discard should clear the draft, got %+v", state)
	}

	// Discard also works while awaiting confirmation.
	_, err = user.stage([]uuid.UUID{a})
	if err != nil {
		t.Fatal(err)
	}
	_, err = user.requestConfirmation()
	if err != nil {
		t.Fatal(err)
	}

	err = user.discard()
	if err != nil {
		t.Fatal(err)
	}

	list, err := user.listEvidence("")
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 {
		t.Fatalf("discard should not delete records, got %+v", list)
	}
}
