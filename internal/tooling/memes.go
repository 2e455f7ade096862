package tooling

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"steward/internal/domain"
	"steward/internal/schema"
)

const (
	imgflipTemplatesURL = "https://api.imgflip.com/get_memes"
	imgflipCaptionURL   = "https://api.imgflip.com/caption_image"

	// closestTemplates is how many suggestions follow an unknown template name.
	closestTemplates = 10
)

// ImageFetcher turns an image URL into a downscaled data URL;
// *media.Downloader implements it.
type ImageFetcher interface {
	ImageDataURL(ctx context.Context, url string) (string, error)
}

// ImgflipAccount holds the credentials captions are made with.
type ImgflipAccount struct {
	Username string
	Password string
}

// MemeTemplate is one Imgflip template.
type MemeTemplate struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BoxCount int    `json:"box_count"`
	Captions int    `json:"captions"`
}

type MemesRequest interface{ isMemesRequest() }

type GenerateMeme struct {
	TemplateName string   `json:"templateName"`
	BoxText      []string `json:"boxText"`
}

type ListAllMemes struct{}

func (GenerateMeme) isMemesRequest() {}
func (ListAllMemes) isMemesRequest() {}

// Memes captions Imgflip templates. The resulting image is shown to the
// model and its URL can be attached to a message.
type Memes struct {
	Base
	web     HTTPFetcher
	forms   FormPoster
	images  ImageFetcher
	account ImgflipAccount

	mu        sync.Mutex
	templates []MemeTemplate
}

func NewMemes(web HTTPFetcher, forms FormPoster, images ImageFetcher, account ImgflipAccount) *Memes {
	return &Memes{
		Base: Base{
			ToolName: "Memes",
			Summary:  "You can generate a meme given a template and text.",
		},
		web:     web,
		forms:   forms,
		images:  images,
		account: account,
	}
}

func (m *Memes) Requests() *schema.Descriptor {
	return schema.Union("MemesRequest",
		schema.Variant[GenerateMeme]("GenerateMeme",
			schema.Field("templateName", schema.String()).Doc("The name of the meme template on Imgflip."),
			schema.Field("boxText", schema.ListOf(schema.String())).Doc("The text to put in each box of the meme."),
		).Doc("Generate a meme given a template and text."),
		schema.Variant[ListAllMemes]("ListAllMemes").Doc("List all meme templates."),
	)
}

func (m *Memes) EstimateCost(context.Context, *domain.ExecutionContext, MemesRequest) domain.Cost {
	return domain.MinToolCost
}

type templateLine struct {
	Name     string `json:"name"`
	BoxCount int    `json:"box_count"`
}

type memeResult struct {
	URL     string `json:"url,omitempty"`
	PageURL string `json:"pageUrl,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (m *Memes) Execute(ctx context.Context, _ *domain.ExecutionContext, req MemesRequest) (domain.ToolResponse, error) {
	all, err := m.loadTemplates(ctx)
	if err != nil {
		return nil, err
	}

	switch r := req.(type) {
	case ListAllMemes:
		lines := make([]templateLine, len(all))
		for i, t := range all {
			lines[i] = templateLine{Name: t.Name, BoxCount: t.BoxCount}
		}
		return domain.SuccessWith(map[string]any{"memes": lines}, domain.MinToolCost), nil

	case GenerateMeme:
		return m.generate(ctx, all, r)
	}
	return nil, errors.New("memes: unsupported request")
}

func (m *Memes) generate(ctx context.Context, all []MemeTemplate, r GenerateMeme) (domain.ToolResponse, error) {
	if m.account.Username == "" || m.account.Password == "" {
		return nil, &domain.ConfigurationError{
			Setting: "secrets.imgflip_username",
			Reason:  "Imgflip credentials are not set (store with: steward secrets set imgflip_username / imgflip_password)",
		}
	}
	idx := slices.IndexFunc(all, func(t MemeTemplate) bool { return strings.EqualFold(t.Name, r.TemplateName) })
	if idx < 0 {
		msg := fmt.Sprintf("Meme template %q not found. Closest matches: %s",
			r.TemplateName, strings.Join(closestNames(all, r.TemplateName, closestTemplates), ", "))
		return domain.SuccessWith(memeResult{Error: msg}, domain.MinToolCost), nil
	}
	tmpl := all[idx]
	if tmpl.BoxCount > 0 && len(r.BoxText) > tmpl.BoxCount {
		return domain.InvalidInput{Message: fmt.Sprintf("%q has %d boxes, got %d texts", tmpl.Name, tmpl.BoxCount, len(r.BoxText))}, nil
	}

	form := url.Values{
		"template_id": {tmpl.ID},
		"username":    {m.account.Username},
		"password":    {m.account.Password},
	}
	for i, text := range r.BoxText {
		form.Set("boxes["+strconv.Itoa(i)+"][text]", text)
	}
	body, err := m.forms.PostForm(ctx, imgflipCaptionURL, form)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			URL     string `json:"url"`
			PageURL string `json:"page_url"`
		} `json:"data"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("memes: decode caption response: %w", err)
	}
	if !resp.Success {
		return domain.SuccessWith(memeResult{Error: resp.ErrorMessage}, domain.MinToolCost), nil
	}

	data, err := m.images.ImageDataURL(ctx, resp.Data.URL)
	if err != nil {
		return nil, fmt.Errorf("memes: fetch image: %w", err)
	}
	s := domain.SuccessWith(memeResult{URL: resp.Data.URL, PageURL: resp.Data.PageURL}, domain.MinToolCost).(domain.Success)
	s.Images = []domain.ResponseImage{{URL: resp.Data.URL, Data: data}}
	return s, nil
}

// loadTemplates fetches the template list once, most captioned first. A
// failed fetch is retried on the next call.
func (m *Memes) loadTemplates(ctx context.Context) ([]MemeTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.templates != nil {
		return m.templates, nil
	}
	body, err := m.web.Fetch(ctx, imgflipTemplatesURL)
	if err != nil {
		return nil, fmt.Errorf("memes: list templates: %w", err)
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Memes []MemeTemplate `json:"memes"`
		} `json:"data"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("memes: decode templates: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("memes: list templates: %s", resp.ErrorMessage)
	}
	all := resp.Data.Memes
	slices.SortStableFunc(all, func(a, b MemeTemplate) int { return cmp.Compare(b.Captions, a.Captions) })
	m.templates = all
	return all, nil
}

// closestNames returns up to n template names ordered by edit distance to name.
func closestNames(all []MemeTemplate, name string, n int) []string {
	type scored struct {
		name string
		dist int
	}
	target := strings.ToLower(name)
	ranked := make([]scored, len(all))
	for i, t := range all {
		ranked[i] = scored{t.Name, levenshtein(target, strings.ToLower(t.Name))}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int { return cmp.Compare(a.dist, b.dist) })
	out := make([]string, 0, min(n, len(ranked)))
	for _, s := range ranked[:min(n, len(ranked))] {
		out = append(out, s.name)
	}
	return out
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
