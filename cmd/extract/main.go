// Command extract previews how an exported Telegram channel would be relayed.
//
// It reads the messages.html file written by Telegram Desktop's "Export chat
// history" and writes one CSV row per channel message with the number of
// posts the message would become.
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mikequentel/threadrelay/internal/markup"
	"github.com/mikequentel/threadrelay/internal/segment"
)

// Flags
var (
	inFile  = flag.String("in", "messages.html", "Telegram Desktop HTML export")
	outFile = flag.String("out", "posts.csv", "output CSV (id,date,photo,segments,text)")
	limit   = flag.Int("limit", segment.DefaultLimit, "maximum characters per post")
)

type exportPost struct {
	id    int
	date  string
	photo string
	text  string
}

func main() {
	flag.Parse()

	f, err := os.Open(*inFile)
	if err != nil {
		log.Fatalf("open %s: %v", *inFile, err)
	}
	defer f.Close()

	posts, err := parseExport(f)
	if err != nil {
		log.Fatalf("parse export: %v", err)
	}

	out, err := os.Create(*outFile)
	if err != nil {
		log.Fatalf("create %s: %v", *outFile, err)
	}
	overflows, err := writePostsCSV(out, posts, *limit)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatalf("write %s: %v", *outFile, err)
	}

	log.Printf("Extracted %d posts (%d cannot be split); wrote %s", len(posts), overflows, *outFile)
}

// parseExport collects regular messages with text or a photo, in page order.
func parseExport(r io.Reader) ([]exportPost, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	var posts []exportPost
	doc.Find("div.message.default").Each(func(_ int, msg *goquery.Selection) {
		id, _ := strconv.Atoi(strings.TrimPrefix(getAttr(msg, "id"), "message"))
		body := msg.Find("div.body").First()

		p := exportPost{
			id:    id,
			date:  getAttr(body.Find("div.date").First(), "title"),
			photo: getAttr(body.Find("a.photo_wrap").First(), "href"),
		}
		if txt := body.Find("div.text").First(); txt.Length() > 0 {
			p.text = markup.SelectionText(txt)
		}
		if p.text == "" && p.photo == "" {
			return
		}
		posts = append(posts, p)
	})
	return posts, nil
}

// writePostsCSV writes the preview and reports how many posts overflow.
// Posts that cannot be split get -1 segments.
func writePostsCSV(w io.Writer, posts []exportPost, limit int) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "date", "photo", "segments", "text"}); err != nil {
		return 0, err
	}

	overflows := 0
	for _, p := range posts {
		n := 0
		segs, err := segment.Split(p.text, limit)
		switch {
		case errors.Is(err, segment.ErrOverflow):
			n = -1
			overflows++
		case err != nil:
			return overflows, fmt.Errorf("post %d: %w", p.id, err)
		default:
			n = len(segs)
		}
		if err := cw.Write([]string{strconv.Itoa(p.id), p.date, p.photo, strconv.Itoa(n), p.text}); err != nil {
			return overflows, err
		}
	}
	cw.Flush()
	return overflows, cw.Error()
}

func getAttr(s *goquery.Selection, key string) string {
	if v, ok := s.Attr(key); ok {
		return v
	}
	return ""
}
