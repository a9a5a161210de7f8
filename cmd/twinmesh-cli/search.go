package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/httpclient"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// searchFlags are shared by search and follow --find.
type searchFlags struct {
	file         string
	text         string
	lat          float64
	lon          float64
	radius       float64
	properties   string
	scope        string
	responseType string
	expiry       time.Duration
}

func (f *searchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "file", "", "Search request document (JSON), '-' for stdin; flags override its fields")
	cmd.Flags().StringVar(&f.text, "text", "", "Free text to match")
	cmd.Flags().Float64Var(&f.lat, "lat", 0, "Latitude of the search circle")
	cmd.Flags().Float64Var(&f.lon, "lon", 0, "Longitude of the search circle")
	cmd.Flags().Float64Var(&f.radius, "radius", 0, "Radius of the search circle in km (enables location search)")
	cmd.Flags().StringVar(&f.properties, "properties", "", `Property matchers as a JSON array, e.g. '[{"key":"...","uri":"..."}]'`)
	cmd.Flags().StringVar(&f.scope, "scope", "", "Search scope: GLOBAL or LOCAL")
	cmd.Flags().StringVar(&f.responseType, "response-type", "", "Response type: FULL, LOCATED or MINIMAL")
	cmd.Flags().DurationVar(&f.expiry, "expiry", 0, "How long to collect results")
}

// query builds the search request document from the file and flags.
func (f *searchFlags) query(cmd *cobra.Command) (httpclient.SearchQuery, error) {
	var q httpclient.SearchQuery
	if f.file != "" {
		data, err := readInput(cmd, f.file)
		if err != nil {
			return q, err
		}
		if err := json.Unmarshal(data, &q); err != nil {
			return q, fmt.Errorf("invalid search request document: %w", err)
		}
	}

	if f.text != "" {
		q.Text = f.text
	}
	if f.radius != 0 {
		q.Location = &httpclient.Location{RadiusKm: f.radius, Lat: f.lat, Lon: f.lon}
	}
	if f.properties != "" {
		if !json.Valid([]byte(f.properties)) {
			return q, fmt.Errorf("--properties must be a JSON array")
		}
		q.Properties = json.RawMessage(f.properties)
	}
	if f.scope != "" {
		q.Scope = f.scope
	}
	if f.responseType != "" {
		q.ResponseType = f.responseType
	}
	if f.expiry > 0 {
		q.ExpiryTimeout = f.expiry.Seconds()
	}
	return q, nil
}

func newSearchCommand() *cobra.Command {
	var flags searchFlags

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the directory for twins",
		Long: `Search the directory for twins by text, location and properties.
The search collects results until its expiry and prints every twin found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, &flags)
		},
	}

	flags.register(cmd)
	return cmd
}

func runSearch(cmd *cobra.Command, flags *searchFlags) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	query, err := flags.query(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	resp, err := client.Search(ctx, query)
	if err != nil {
		return err
	}

	if ok, err := render(cmd.OutOrStdout(), resp); ok {
		return err
	}

	out := cmd.OutOrStdout()
	if resp.Count == 0 {
		fmt.Fprintln(out, "No twins found")
	} else {
		fmt.Fprintf(out, "Found %d twin(s):\n\n", resp.Count)
		for i, m := range resp.Twins {
			printTwin(out, i+1, m)
		}
	}
	for _, f := range resp.Failed {
		fmt.Fprintf(out, "⚠️  %s: %s\n", f.Ref.Ref(), f.Reason)
	}
	return nil
}

func printTwin(out io.Writer, n int, m twin.TwinModel) {
	fmt.Fprintf(out, "%d. %s\n", n, m.Ref())
	if label, ok := m.FindProperty(twin.RDFSLabel); ok {
		fmt.Fprintf(out, "   Label: %s\n", label.Value)
	}
	for _, feed := range m.Feeds {
		labels := make([]string, 0, len(feed.Values))
		for _, v := range feed.Values {
			labels = append(labels, v.Label)
		}
		fmt.Fprintf(out, "   Feed: %s %v\n", feed.ID, labels)
	}
}
