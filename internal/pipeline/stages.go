package pipeline

import (
	"context"
	"fmt"
	"strings"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/classifier"
	"gitlab.com/timkado/api/billing-verify-processor/internal/enrichment"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/storage"
)

// KeywordFilter is a cheap pre-filter: a message without any billing keyword is not
// worth a classifier call.
type KeywordFilter struct {
	keywords []string
}

func NewKeywordFilter(keywords []string) *KeywordFilter {
	normalized := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			normalized = append(normalized, k)
		}
	}
	return &KeywordFilter{keywords: normalized}
}

func (f *KeywordFilter) Name() model.Stage { return model.StageKeywordFilter }

func (f *KeywordFilter) Evaluate(_ context.Context, msg *model.Message) (Decision, error) {
	text := strings.ToLower(msg.Subject + " " + msg.Body)
	var hits []string
	for _, k := range f.keywords {
		if strings.Contains(text, k) {
			hits = append(hits, k)
		}
	}
	if len(hits) == 0 {
		return Decision{
			Pass:       false,
			Confidence: confidence(0),
			Reasoning:  "no billing keywords",
			HaltStatus: model.StatusRejected,
		}, nil
	}
	score := float64(len(hits)) / 3
	if score > 1 {
		score = 1
	}
	return Decision{
		Pass:       true,
		Confidence: confidence(score),
		Reasoning:  fmt.Sprintf("%d billing keywords", len(hits)),
		Details:    map[string]interface{}{"hits": hits},
	}, nil
}

// Classification asks the model whether the message is billing-related.
type Classification struct {
	client     classifier.Client
	categories map[string]struct{}
}

func NewClassification(client classifier.Client, billingCategories []string) *Classification {
	categories := make(map[string]struct{}, len(billingCategories))
	for _, c := range billingCategories {
		categories[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return &Classification{client: client, categories: categories}
}

func (c *Classification) Name() model.Stage { return model.StageClassification }

func (c *Classification) Evaluate(ctx context.Context, msg *model.Message) (Decision, error) {
	res, err := c.client.Classify(ctx, msg.Subject+"\n\n"+msg.Body)
	if err != nil {
		return Decision{}, err
	}
	details := map[string]interface{}{"category": res.Category}
	if _, ok := c.categories[res.Category]; !ok {
		return Decision{
			Pass:       false,
			Confidence: confidence(res.Confidence),
			Reasoning:  fmt.Sprintf("not billing related (%s): %s", res.Category, res.Reasoning),
			Details:    details,
			HaltStatus: model.StatusRejected,
		}, nil
	}
	return Decision{
		Pass:       true,
		Confidence: confidence(res.Confidence),
		Reasoning:  res.Reasoning,
		Details:    details,
	}, nil
}

// DomainCheck rejects senders that cannot be a vendor's billing domain.
type DomainCheck struct {
	counterparties storage.CounterpartyRepo
	freeMail       map[string]struct{}
}

func NewDomainCheck(counterparties storage.CounterpartyRepo, freeMailDomains []string) *DomainCheck {
	freeMail := make(map[string]struct{}, len(freeMailDomains))
	for _, d := range freeMailDomains {
		freeMail[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return &DomainCheck{counterparties: counterparties, freeMail: freeMail}
}

func (d *DomainCheck) Name() model.Stage { return model.StageDomainCheck }

func (d *DomainCheck) Evaluate(ctx context.Context, msg *model.Message) (Decision, error) {
	domain := strings.ToLower(msg.SenderDomain)
	fail := func(reason string) (Decision, error) {
		return Decision{
			Pass:       false,
			Confidence: confidence(0.95),
			Reasoning:  reason,
			Details:    map[string]interface{}{"sender_domain": domain},
			HaltStatus: model.StatusFraudulent,
		}, nil
	}

	if !validDomain(domain) {
		return fail("sender domain missing or malformed")
	}
	if _, ok := d.freeMail[domain]; ok {
		return fail("sender uses a free-mail domain")
	}

	// Only a name match tells us which domain the sender claims to be.
	if strings.TrimSpace(msg.VendorName) != "" {
		cp, err := d.counterparties.FindCounterparty(ctx, msg.VendorName, "")
		switch {
		case err == nil:
			trusted := strings.ToLower(cp.Domain)
			if trusted != "" && trusted != domain && lookalike(domain, trusted) {
				return fail(fmt.Sprintf("sender domain %s imitates trusted domain %s", domain, trusted))
			}
		case !apperrors.IsNotFoundError(err):
			return Decision{}, err
		}
	}

	return Decision{
		Pass:       true,
		Confidence: confidence(0.9),
		Reasoning:  "sender domain plausible",
		Details:    map[string]interface{}{"sender_domain": domain},
	}, nil
}

// CounterpartyLookup matches the vendor against the trusted store.
type CounterpartyLookup struct {
	counterparties storage.CounterpartyRepo
}

func NewCounterpartyLookup(counterparties storage.CounterpartyRepo) *CounterpartyLookup {
	return &CounterpartyLookup{counterparties: counterparties}
}

func (c *CounterpartyLookup) Name() model.Stage { return model.StageCounterpartyLookup }

func (c *CounterpartyLookup) Evaluate(ctx context.Context, msg *model.Message) (Decision, error) {
	cp, err := c.counterparties.FindCounterparty(ctx, msg.VendorName, msg.SenderDomain)
	if apperrors.IsNotFoundError(err) {
		return Decision{
			Pass:      true,
			Reasoning: "no match",
			Details:   map[string]interface{}{"matched": false},
		}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	details := map[string]interface{}{
		"matched":         true,
		"counterparty_id": cp.ID,
		"trusted_domain":  cp.Domain,
	}
	if cp.Domain != "" && !strings.EqualFold(cp.Domain, msg.SenderDomain) {
		return Decision{
			Pass:       false,
			Confidence: confidence(1),
			Reasoning:  fmt.Sprintf("sender domain %s differs from trusted domain %s", msg.SenderDomain, cp.Domain),
			Details:    details,
			HaltStatus: model.StatusFraudulent,
		}, nil
	}

	msg.TrustedName = cp.Name
	msg.TrustedPhone = cp.Phone
	msg.TrustedDomain = cp.Domain
	msg.TrustedAddress = cp.Address
	return Decision{
		Pass:       true,
		Confidence: confidence(1),
		Reasoning:  "matched trusted counterparty " + cp.Name,
		Details:    details,
	}, nil
}

// OnlineVerification searches public sources when the vendor is unknown.
type OnlineVerification struct {
	client        enrichment.Client
	minConfidence float64
}

func NewOnlineVerification(client enrichment.Client, minConfidence float64) *OnlineVerification {
	return &OnlineVerification{client: client, minConfidence: minConfidence}
}

func (o *OnlineVerification) Name() model.Stage { return model.StageOnlineVerification }

// Applies skips the search when the trusted store already knows the vendor.
func (o *OnlineVerification) Applies(msg *model.Message) bool {
	return msg.TrustedName == ""
}

func (o *OnlineVerification) Evaluate(ctx context.Context, msg *model.Message) (Decision, error) {
	name := strings.TrimSpace(msg.VendorName)
	if name == "" {
		return Decision{Pass: true, Confidence: confidence(0), Reasoning: "no vendor name to search"}, nil
	}

	res, err := o.client.Search(ctx, name)
	if err != nil {
		return Decision{}, err
	}
	if res.Empty() || res.Confidence < o.minConfidence {
		score := 0.0
		if res != nil {
			score = res.Confidence
		}
		return Decision{Pass: true, Confidence: confidence(score), Reasoning: "no confident search result"}, nil
	}

	details := map[string]interface{}{
		"search_domain": res.Domain,
		"search_phone":  res.Phone,
	}
	if res.Domain != "" && !strings.EqualFold(res.Domain, msg.SenderDomain) {
		return Decision{
			Pass:       false,
			Confidence: confidence(res.Confidence),
			Reasoning:  fmt.Sprintf("search places %s at %s, not %s", name, res.Domain, msg.SenderDomain),
			Details:    details,
			HaltStatus: model.StatusFraudulent,
		}, nil
	}

	msg.SearchPhone = res.Phone
	msg.SearchAddress = res.Address
	msg.SearchDomain = res.Domain
	msg.SearchConfidence = confidence(res.Confidence)
	return Decision{
		Pass:       true,
		Confidence: confidence(res.Confidence),
		Reasoning:  "search result consistent with sender",
		Details:    details,
	}, nil
}
