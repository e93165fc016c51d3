package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/podstore/rdf"
	"pkt.systems/podstore/resource"
)

// conditionFlags maps HTTP style precondition flags onto resource.BasicConditions.
type conditionFlags struct {
	ifMatch           []string
	ifNoneMatch       []string
	ifModifiedSince   string
	ifUnmodifiedSince string
}

func (f *conditionFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringSliceVar(&f.ifMatch, "if-match", nil, "only proceed when the current ETag matches (\"*\" matches any existing resource)")
	flags.StringSliceVar(&f.ifNoneMatch, "if-none-match", nil, "only proceed when the current ETag does not match (\"*\" requires absence)")
	flags.StringVar(&f.ifModifiedSince, "if-modified-since", "", "only proceed when modified after this time (RFC 3339 or HTTP date)")
	flags.StringVar(&f.ifUnmodifiedSince, "if-unmodified-since", "", "only proceed when not modified after this time (RFC 3339 or HTTP date)")
}

// conditions returns nil when no flag was given.
func (f *conditionFlags) conditions() (resource.Conditions, error) {
	c := &resource.BasicConditions{
		MatchesETag:    f.ifMatch,
		NotMatchesETag: f.ifNoneMatch,
	}
	var err error
	if c.ModifiedSince, err = parseTime(f.ifModifiedSince); err != nil {
		return nil, fmt.Errorf("parse --if-modified-since: %w", err)
	}
	if c.UnmodifiedSince, err = parseTime(f.ifUnmodifiedSince); err != nil {
		return nil, fmt.Errorf("parse --if-unmodified-since: %w", err)
	}
	if c.IsEmpty() {
		return nil, nil
	}
	return c, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return http.ParseTime(raw)
}

func newInitCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the root storage container if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := c.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(eng)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "root %s ready\n", eng.Root().Path)
			return err
		},
	}
}

func newGetCommand(c *cli) *cobra.Command {
	var cond conditionFlags
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Write the representation of a resource to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conditions, err := cond.conditions()
			if err != nil {
				return err
			}
			eng, err := c.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(eng)
			rep, err := eng.Store().GetRepresentation(cmd.Context(), resource.ID(args[0]), resource.Preferences{}, conditions)
			if err != nil {
				return err
			}
			defer rep.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rep.Data)
			return err
		},
	}
	cond.register(cmd)
	return cmd
}

func newHeadCommand(c *cli) *cobra.Command {
	var cond conditionFlags
	cmd := &cobra.Command{
		Use:   "head <path>",
		Short: "Print the metadata of a resource as N-Quads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conditions, err := cond.conditions()
			if err != nil {
				return err
			}
			eng, err := c.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(eng)
			rep, err := eng.Store().GetRepresentation(cmd.Context(), resource.ID(args[0]), resource.Preferences{}, conditions)
			if err != nil {
				return err
			}
			_ = rep.Close()
			out := cmd.OutOrStdout()
			if etag := resource.ETag(rep.Metadata); etag != "" {
				fmt.Fprintf(out, "# etag %s\n", etag)
			}
			return rdf.Write(out, rep.Metadata.Quads())
		},
	}
	cond.register(cmd)
	return cmd
}

// bodyFlags reads a request body from a file or stdin.
type bodyFlags struct {
	file        string
	contentType string
}

func (b *bodyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&b.file, "file", "f", "", "read the body from this file (\"-\" for stdin; empty sends no body)")
	cmd.Flags().StringVarP(&b.contentType, "content-type", "t", "application/octet-stream", "media type of the body")
}

func (b *bodyFlags) read(cmd *cobra.Command, limit int64) ([]byte, error) {
	var src io.Reader
	switch b.file {
	case "":
		return nil, nil
	case "-":
		src = cmd.InOrStdin()
	default:
		f, err := os.Open(b.file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		src = f
	}
	body, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds max-body of %s", humanizeBytes(limit))
	}
	return body, nil
}

func (b *bodyFlags) representation(id resource.Identifier, body []byte, container bool) *resource.Representation {
	meta := resource.NewMetadata(id)
	if len(body) > 0 || !container {
		meta.SetContentType(b.contentType)
	}
	return resource.NewRepresentation(body, meta)
}

func printChanges(cmd *cobra.Command, changes []resource.ModifiedResource) error {
	out := cmd.OutOrStdout()
	for _, change := range changes {
		if _, err := fmt.Fprintln(out, change.String()); err != nil {
			return err
		}
	}
	return nil
}

func newPutCommand(c *cli) *cobra.Command {
	var cond conditionFlags
	var body bodyFlags
	cmd := &cobra.Command{
		Use:   "put <path>",
		Short: "Create or replace a resource, creating missing containers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conditions, err := cond.conditions()
			if err != nil {
				return err
			}
			eng, err := c.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(eng)
			data, err := body.read(cmd, eng.Config().MaxBodyBytes)
			if err != nil {
				return err
			}
			id := resource.ID(args[0])
			changes, err := eng.Store().SetRepresentation(cmd.Context(), id, body.representation(id, data, id.IsContainer()), conditions)
			if err != nil {
				return err
			}
			return printChanges(cmd, changes)
		},
	}
	cond.register(cmd)
	body.register(cmd)
	return cmd
}

func newPostCommand(c *cli) *cobra.Command {
	var cond conditionFlags
	var body bodyFlags
	var slug string
	var container bool
	cmd := &cobra.Command{
		Use:   "post <container>",
		Short: "Add a new resource to a container and print its path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conditions, err := cond.conditions()
			if err != nil {
				return err
			}
			eng, err := c.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(eng)
			data, err := body.read(cmd, eng.Config().MaxBodyBytes)
			if err != nil {
				return err
			}
			parent := resource.ID(args[0])
			rep := body.representation(parent, data, container)
			if slug != "" {
				rep.Metadata.Set(rdf.TermSlug, rdf.Literal(slug))
			}
			if container {
				rep.Metadata.Add(rdf.TermType, rdf.IRI(rdf.LDPContainer))
			}
			created, err := eng.Store().AddResource(cmd.Context(), parent, rep, conditions)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), created.Identifier.Path)
			return err
		},
	}
	cond.register(cmd)
	body.register(cmd)
	cmd.Flags().StringVar(&slug, "slug", "", "suggested name for the new resource")
	cmd.Flags().BoolVar(&container, "container", false, "create a container instead of a document")
	return cmd
}

func newDeleteCommand(c *cli) *cobra.Command {
	var cond conditionFlags
	cmd := &cobra.Command{
		Use:     "delete <path>",
		Aliases: []string{"rm"},
		Short:   "Delete a document or an empty container with its auxiliary resources",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conditions, err := cond.conditions()
			if err != nil {
				return err
			}
			eng, err := c.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(eng)
			changes, err := eng.Store().DeleteResource(cmd.Context(), resource.ID(args[0]), conditions)
			if err != nil {
				return err
			}
			return printChanges(cmd, changes)
		},
	}
	cond.register(cmd)
	return cmd
}

func newListCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls <container>",
		Short: "List the children of a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := c.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(eng)
			id := resource.ID(resource.EnsureTrailingSlash(args[0]))
			rep, err := eng.Store().GetRepresentation(cmd.Context(), id, resource.Preferences{}, nil)
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			_, err = io.Copy(&buf, rep.Data)
			_ = rep.Close()
			if err != nil {
				return err
			}
			quads, err := rdf.Parse(&buf, rdf.ParseOptions{Base: id.Path})
			if err != nil {
				return fmt.Errorf("parse listing of %s: %w", id, err)
			}
			return writeListing(cmd.OutOrStdout(), id, quads, time.Now())
		},
	}
	return cmd
}

func writeListing(w io.Writer, container resource.Identifier, quads []rdf.Quad, now time.Time) error {
	var children []string
	modified := make(map[string]time.Time)
	for _, q := range quads {
		switch {
		case q.Subject.Value == container.Path && q.Predicate.Equal(rdf.TermContains):
			children = append(children, q.Object.Value)
		case q.Predicate.Equal(rdf.TermModified):
			if t, err := time.Parse(time.RFC3339Nano, q.Object.Value); err == nil {
				modified[q.Subject.Value] = t
			}
		}
	}
	for _, child := range children {
		age := "-"
		if t, ok := modified[child]; ok {
			age = humanize.RelTime(t, now, "ago", "from now")
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\n", child, age); err != nil {
			return err
		}
	}
	return nil
}
