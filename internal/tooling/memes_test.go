package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"

	"steward/internal/domain"
)

// =============================================================================
// Test doubles
// =============================================================================

type fakeFormPoster struct {
	response []byte
	err      error
	lastURL  string
	lastForm url.Values
}

func (f *fakeFormPoster) PostForm(_ context.Context, target string, form url.Values) ([]byte, error) {
	f.lastURL, f.lastForm = target, form
	return f.response, f.err
}

type fakeImageFetcher struct {
	calls []string
	err   error
}

func (f *fakeImageFetcher) ImageDataURL(_ context.Context, u string) (string, error) {
	f.calls = append(f.calls, u)
	if f.err != nil {
		return "", f.err
	}
	return "data:image/jpeg;base64,AAAA", nil
}

// countingFetcher serves the template list and counts requests.
type countingFetcher struct {
	responses [][]byte
	errs      []error
	calls     int
}

func (f *countingFetcher) Fetch(context.Context, string) ([]byte, error) {
	i := min(f.calls, len(f.responses)-1)
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.responses[i], err
}

const templatesJSON = `{"success":true,"data":{"memes":[
	{"id":"1","name":"Two Buttons","box_count":3,"captions":500},
	{"id":"2","name":"Drake Hotline Bling","box_count":2,"captions":900},
	{"id":"3","name":"Distracted Boyfriend","box_count":3,"captions":700}
]}}`

var testAccount = ImgflipAccount{Username: "jeeves", Password: "s3cret"}

type memesFixture struct {
	reg    *Registry
	web    *countingFetcher
	forms  *fakeFormPoster
	images *fakeImageFetcher
}

func newMemesFixture(t *testing.T, account ImgflipAccount) *memesFixture {
	t.Helper()
	f := &memesFixture{
		web:    &countingFetcher{responses: [][]byte{[]byte(templatesJSON)}},
		forms:  &fakeFormPoster{response: []byte(`{"success":true,"data":{"url":"https://i.imgflip.com/abc.jpg","page_url":"https://imgflip.com/i/abc"}}`)},
		images: &fakeImageFetcher{},
	}
	f.reg = mustRegistry(t, Bind[MemesRequest](NewMemes(f.web, f.forms, f.images, account)))
	return f
}

func memeData(t *testing.T, resp domain.ToolResponse) (domain.Success, map[string]any) {
	t.Helper()
	s, ok := resp.(domain.Success)
	if !ok {
		t.Fatalf("expected Success, got %#v", resp)
	}
	var m map[string]any
	if err := json.Unmarshal(s.Data, &m); err != nil {
		t.Fatal(err)
	}
	return s, m
}

// =============================================================================
// GenerateMeme
// =============================================================================

func TestMemes_GenerateMeme_ShouldCaptionAndReturnImage(t *testing.T) {
	f := newMemesFixture(t, testAccount)

	resp, err := f.reg.Dispatch(context.Background(), dmContext("bob"),
		call("GenerateMeme", `{"templateName":"drake hotline bling","boxText":["stdlib","a library"]}`))
	if err != nil {
		t.Fatal(err)
	}
	s, data := memeData(t, resp)
	if data["url"] != "https://i.imgflip.com/abc.jpg" || data["pageUrl"] != "https://imgflip.com/i/abc" {
		t.Errorf("unexpected data %v", data)
	}
	if len(s.Images) != 1 || s.Images[0].URL != "https://i.imgflip.com/abc.jpg" || !strings.HasPrefix(s.Images[0].Data, "data:image/") {
		t.Errorf("expected the meme as a response image, got %+v", s.Images)
	}

	form := f.forms.lastForm
	if f.forms.lastURL != imgflipCaptionURL || form.Get("template_id") != "2" {
		t.Errorf("unexpected caption call %s %v", f.forms.lastURL, form)
	}
	if form.Get("username") != "jeeves" || form.Get("password") != "s3cret" {
		t.Errorf("expected account credentials in the form, got %v", form)
	}
	if form.Get("boxes[0][text]") != "stdlib" || form.Get("boxes[1][text]") != "a library" {
		t.Errorf("unexpected box texts %v", form)
	}
}

func TestMemes_GenerateMeme_WhenTemplateUnknown_ShouldSuggestClosest(t *testing.T) {
	f := newMemesFixture(t, testAccount)

	resp, err := f.reg.Dispatch(context.Background(), dmContext("bob"),
		call("GenerateMeme", `{"templateName":"Two Buttonz","boxText":["a"]}`))
	if err != nil {
		t.Fatal(err)
	}
	_, data := memeData(t, resp)
	msg, _ := data["error"].(string)
	if !strings.Contains(msg, `"Two Buttonz" not found. Closest matches: Two Buttons, `) {
		t.Errorf("unexpected error %q", msg)
	}
	if f.forms.lastForm != nil {
		t.Error("expected no caption call")
	}
}

func TestMemes_GenerateMeme_Failures(t *testing.T) {
	tests := []struct {
		name     string
		account  ImgflipAccount
		args     string
		caption  []byte
		imageErr error
		check    func(t *testing.T, resp domain.ToolResponse)
	}{
		{
			name:    "no credentials",
			account: ImgflipAccount{},
			args:    `{"templateName":"Two Buttons","boxText":["a"]}`,
			check: func(t *testing.T, resp domain.ToolResponse) {
				ie, ok := resp.(domain.InternalError)
				if !ok || !strings.HasPrefix(ie.Message, "ConfigurationError :: ") {
					t.Errorf("expected a configuration InternalError, got %#v", resp)
				}
			},
		},
		{
			name:    "too many boxes",
			account: testAccount,
			args:    `{"templateName":"Drake Hotline Bling","boxText":["a","b","c"]}`,
			check: func(t *testing.T, resp domain.ToolResponse) {
				if _, ok := resp.(domain.InvalidInput); !ok {
					t.Errorf("expected InvalidInput, got %#v", resp)
				}
			},
		},
		{
			name:    "imgflip refuses",
			account: testAccount,
			args:    `{"templateName":"Two Buttons","boxText":["a"]}`,
			caption: []byte(`{"success":false,"error_message":"No texts specified."}`),
			check: func(t *testing.T, resp domain.ToolResponse) {
				_, data := memeData(t, resp)
				if data["error"] != "No texts specified." {
					t.Errorf("unexpected data %v", data)
				}
			},
		},
		{
			name:     "image download fails",
			account:  testAccount,
			args:     `{"templateName":"Two Buttons","boxText":["a"]}`,
			imageErr: errors.New("timeout"),
			check: func(t *testing.T, resp domain.ToolResponse) {
				ie, ok := resp.(domain.InternalError)
				if !ok || !strings.Contains(ie.Message, "memes: fetch image: timeout") {
					t.Errorf("expected InternalError, got %#v", resp)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMemesFixture(t, tt.account)
			if tt.caption != nil {
				f.forms.response = tt.caption
			}
			f.images.err = tt.imageErr

			resp, err := f.reg.Dispatch(context.Background(), dmContext("bob"), call("GenerateMeme", tt.args))
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, resp)
		})
	}
}

// =============================================================================
// Templates
// =============================================================================

func TestMemes_ListAllMemes_ShouldSortByCaptionsAndCache(t *testing.T) {
	f := newMemesFixture(t, ImgflipAccount{})

	for range 2 {
		resp, err := f.reg.Dispatch(context.Background(), dmContext("bob"), call("ListAllMemes", `{}`))
		if err != nil {
			t.Fatal(err)
		}
		s, _ := memeData(t, resp)
		var got struct {
			Memes []templateLine `json:"memes"`
		}
		if err := json.Unmarshal(s.Data, &got); err != nil {
			t.Fatal(err)
		}
		want := []string{"Drake Hotline Bling", "Distracted Boyfriend", "Two Buttons"}
		if len(got.Memes) != len(want) {
			t.Fatalf("unexpected templates %+v", got.Memes)
		}
		for i, name := range want {
			if got.Memes[i].Name != name {
				t.Errorf("template %d = %q, want %q", i, got.Memes[i].Name, name)
			}
		}
	}
	if f.web.calls != 1 {
		t.Errorf("expected templates fetched once, got %d", f.web.calls)
	}
}

func TestMemes_WhenTemplateFetchFails_ShouldRetryNextCall(t *testing.T) {
	f := newMemesFixture(t, testAccount)
	f.web.responses = [][]byte{nil, []byte(templatesJSON)}
	f.web.errs = []error{errors.New("offline")}

	resp, err := f.reg.Dispatch(context.Background(), dmContext("bob"), call("ListAllMemes", `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := resp.(domain.InternalError); !ok {
		t.Fatalf("expected InternalError, got %#v", resp)
	}

	resp, err = f.reg.Dispatch(context.Background(), dmContext("bob"), call("ListAllMemes", `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := resp.(domain.Success); !ok {
		t.Errorf("expected Success after retry, got %#v", resp)
	}
	if f.web.calls != 2 {
		t.Errorf("expected 2 fetches, got %d", f.web.calls)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"two buttonz", "two buttons", 1},
		{"héllo", "hello", 1},
	}
	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
