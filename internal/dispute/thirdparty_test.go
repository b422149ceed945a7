package dispute

import (
	"context"
	"errors"
	"testing"
)

func mustEscalate(t *testing.T, env *testEnv) *Dispute {
	t.Helper()
	d := mustReachNegotiationFailed(t, env)
	d, err := env.svc.EscalateToThirdParty(context.Background(), d.ID, adminActor, EscalateRequest{
		ArbitratorContact: "claims@shipfast.example",
	})
	if err != nil {
		t.Fatalf("EscalateToThirdParty: %v", err)
	}
	return d
}

func mustUploadEvidence(t *testing.T, env *testEnv, id string) *Dispute {
	t.Helper()
	d, err := env.svc.UploadThirdPartyEvidence(context.Background(), id, renterActor, EvidenceRequest{
		Documents:      []string{"claim-form.pdf"},
		Photos:         []string{"crushed-box.jpg"},
		OfficialRuling: "carrier accepts liability",
	})
	if err != nil {
		t.Fatalf("UploadThirdPartyEvidence: %v", err)
	}
	return d
}

func TestEscalateToThirdParty(t *testing.T) {
	env := newTestEnv()
	d := mustEscalate(t, env)

	if d.Status != StatusThirdPartyEscalated {
		t.Errorf("expected third_party_escalated, got %s", d.Status)
	}
	tp := d.ThirdParty
	if tp == nil {
		t.Fatal("expected a third-party sub-record")
	}
	if tp.EscalatedBy != adminActor.ID {
		t.Errorf("expected escalatedBy %s, got %s", adminActor.ID, tp.EscalatedBy)
	}
	if !tp.EvidenceDeadline.After(tp.EscalatedAt) {
		t.Error("evidence deadline must be after escalation")
	}
}

func TestEscalateToThirdParty_Guards(t *testing.T) {
	env := newTestEnv()
	d := mustReachNegotiationFailed(t, env)
	ctx := context.Background()

	if _, err := env.svc.EscalateToThirdParty(ctx, d.ID, renterActor, EscalateRequest{
		ArbitratorContact: "x",
	}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-admin, got %v", err)
	}
	if _, err := env.svc.EscalateToThirdParty(ctx, d.ID, adminActor, EscalateRequest{}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation without arbitrator contact, got %v", err)
	}

	env2 := newTestEnv()
	open := mustCreate(t, env2)
	if _, err := env2.svc.EscalateToThirdParty(ctx, open.ID, adminActor, EscalateRequest{
		ArbitratorContact: "x",
	}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from open, got %v", err)
	}
}

func TestUploadThirdPartyEvidence(t *testing.T) {
	env := newTestEnv()
	d := mustEscalate(t, env)
	d = mustUploadEvidence(t, env, d.ID)

	if d.Status != StatusEvidenceUploaded {
		t.Errorf("expected third_party_evidence_uploaded, got %s", d.Status)
	}
	tp := d.ThirdParty
	if tp.UploadedBy != testRenter || tp.UploadedAt == nil {
		t.Errorf("expected upload attribution, got %+v", tp)
	}
	if len(tp.Documents) != 1 || len(tp.Photos) != 1 {
		t.Errorf("expected evidence recorded, got docs=%v photos=%v", tp.Documents, tp.Photos)
	}
}

func TestUploadThirdPartyEvidence_Guards(t *testing.T) {
	env := newTestEnv()
	d := mustEscalate(t, env)
	ctx := context.Background()

	if _, err := env.svc.UploadThirdPartyEvidence(ctx, d.ID, renterActor, EvidenceRequest{}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty evidence, got %v", err)
	}
	if _, err := env.svc.UploadThirdPartyEvidence(ctx, d.ID, Actor{ID: "user_stranger", Role: RoleUser}, EvidenceRequest{
		Documents: []string{"a.pdf"},
	}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-party, got %v", err)
	}
}

func TestRejectThirdPartyEvidence_BouncesBack(t *testing.T) {
	env := newTestEnv()
	d := mustEscalate(t, env)
	d = mustUploadEvidence(t, env, d.ID)
	ctx := context.Background()

	d, err := env.svc.RejectThirdPartyEvidence(ctx, d.ID, adminActor, "claim form is for the wrong shipment")
	if err != nil {
		t.Fatalf("RejectThirdPartyEvidence: %v", err)
	}
	if d.Status != StatusThirdPartyEscalated {
		t.Fatalf("expected bounce back to third_party_escalated, got %s", d.Status)
	}
	tp := d.ThirdParty
	if len(tp.Documents) != 0 || len(tp.Photos) != 0 || tp.UploadedBy != "" || tp.UploadedAt != nil {
		t.Errorf("rejected evidence must be cleared, got %+v", tp)
	}
	if tp.RejectReason == "" {
		t.Error("expected the rejection reason to be recorded")
	}
	if !env.notifier.has(testRenter, "dispute.evidence_rejected") {
		t.Error("uploader should be notified of the rejection")
	}

	// Resubmission works and clears the old rejection reason.
	d = mustUploadEvidence(t, env, d.ID)
	if d.ThirdParty.RejectReason != "" {
		t.Error("resubmission should clear the rejection reason")
	}
}

func TestRejectThirdPartyEvidence_Guards(t *testing.T) {
	env := newTestEnv()
	d := mustEscalate(t, env)
	ctx := context.Background()

	if _, err := env.svc.RejectThirdPartyEvidence(ctx, d.ID, adminActor, "bad"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition before any upload, got %v", err)
	}

	d = mustUploadEvidence(t, env, d.ID)
	if _, err := env.svc.RejectThirdPartyEvidence(ctx, d.ID, renterActor, "bad"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-admin, got %v", err)
	}
	if _, err := env.svc.RejectThirdPartyEvidence(ctx, d.ID, adminActor, "  "); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty reason, got %v", err)
	}
}

func TestAdminFinalDecision(t *testing.T) {
	env := newTestEnv()
	d := mustEscalate(t, env)
	d = mustUploadEvidence(t, env, d.ID)

	d, err := env.svc.AdminFinalDecision(context.Background(), d.ID, adminActor, FinalDecisionRequest{
		Ruling: "carrier liable, owner made whole from carrier claim",
		FinancialImpact: &FinancialImpact{
			RefundAmount: "150.00",
			Payer:        "carrier",
			Payee:        testOwner,
		},
	})
	if err != nil {
		t.Fatalf("AdminFinalDecision: %v", err)
	}
	if d.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", d.Status)
	}
	res := d.Resolution
	if res == nil || res.Source != SourceThirdParty {
		t.Fatalf("expected third-party resolution, got %+v", res)
	}
	if res.FinancialImpact == nil || res.FinancialImpact.RefundAmount != "150.00" {
		t.Errorf("expected the financial impact recorded, got %+v", res.FinancialImpact)
	}
	if env.orders.disputed(testOrderID, 0) {
		t.Error("line item should be released on final resolution")
	}
}

func TestAdminFinalDecision_Guards(t *testing.T) {
	env := newTestEnv()
	d := mustEscalate(t, env)
	ctx := context.Background()

	if _, err := env.svc.AdminFinalDecision(ctx, d.ID, adminActor, FinalDecisionRequest{
		Ruling: "x",
	}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition before evidence, got %v", err)
	}

	d = mustUploadEvidence(t, env, d.ID)
	if _, err := env.svc.AdminFinalDecision(ctx, d.ID, renterActor, FinalDecisionRequest{
		Ruling: "x",
	}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-admin, got %v", err)
	}
	if _, err := env.svc.AdminFinalDecision(ctx, d.ID, adminActor, FinalDecisionRequest{}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty ruling, got %v", err)
	}
}

func TestShareShipperInfo(t *testing.T) {
	env := newTestEnv()
	d := mustEscalate(t, env)
	ctx := context.Background()

	d, err := env.svc.ShareShipperInfo(ctx, d.ID, adminActor)
	if err != nil {
		t.Fatalf("ShareShipperInfo: %v", err)
	}
	sd := d.ThirdParty.SharedData
	if sd == nil {
		t.Fatal("expected shared contact data")
	}
	// Delivery phase: complainant is the renter.
	if sd.ComplainantContact != "renter@example.com" || sd.RespondentContact != "owner@example.com" {
		t.Errorf("contacts mapped to the wrong parties: %+v", sd)
	}
	if d.Status != StatusThirdPartyEscalated {
		t.Errorf("sharing must not change status, got %s", d.Status)
	}

	// Taken at most once.
	if _, err := env.svc.ShareShipperInfo(ctx, d.ID, adminActor); !errors.Is(err, ErrAlreadyResponded) {
		t.Errorf("expected ErrAlreadyResponded on second share, got %v", err)
	}
}

func TestShareShipperInfo_Guards(t *testing.T) {
	env := newTestEnv()
	d := mustReachNegotiationFailed(t, env)
	ctx := context.Background()

	if _, err := env.svc.ShareShipperInfo(ctx, d.ID, adminActor); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition before escalation, got %v", err)
	}
	env2 := newTestEnv()
	esc := mustEscalate(t, env2)
	if _, err := env2.svc.ShareShipperInfo(ctx, esc.ID, renterActor); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-admin, got %v", err)
	}
}
