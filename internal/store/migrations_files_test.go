package store

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"testing"
)

var migrationFilePattern = regexp.MustCompile(`^(\d+)_(.*)\.(up|down)\.sql$`)

type migrationPair struct {
	up, down string
}

func readMigrationPairs(t *testing.T) map[int]*migrationPair {
	t.Helper()
	dir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pairs := map[int]*migrationPair{}
	for _, entry := range entries {
		match := migrationFilePattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			t.Fatalf("bad version in %s: %v", entry.Name(), err)
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		pair := pairs[version]
		if pair == nil {
			pair = &migrationPair{}
			pairs[version] = pair
		}
		target := &pair.up
		if match[3] == "down" {
			target = &pair.down
		}
		if *target != "" {
			t.Fatalf("duplicate %s migration for version %d", match[3], version)
		}
		*target = string(data)
	}
	return pairs
}

func TestMigrationsAreContiguousPairs(t *testing.T) {
	pairs := readMigrationPairs(t)
	if len(pairs) == 0 {
		t.Fatal("no migrations discovered")
	}

	versions := make([]int, 0, len(pairs))
	for version, pair := range pairs {
		if strings.TrimSpace(pair.up) == "" || strings.TrimSpace(pair.down) == "" {
			t.Fatalf("version %d must include non-empty up and down files", version)
		}
		versions = append(versions, version)
	}
	sort.Ints(versions)
	for i, version := range versions {
		if version != i+1 {
			t.Fatalf("migration versions must run 1..n without gaps, got %v", versions)
		}
	}
}

func TestDownMigrationsDropWhatUpCreates(t *testing.T) {
	createTable := regexp.MustCompile(`CREATE TABLE IF NOT EXISTS (\w+)`)
	for version, pair := range readMigrationPairs(t) {
		for _, match := range createTable.FindAllStringSubmatch(pair.up, -1) {
			table := match[1]
			if !strings.Contains(pair.down, "DROP TABLE IF EXISTS "+table) {
				t.Errorf("version %d creates %s but its down file does not drop it", version, table)
			}
		}
	}
}

func TestStoreTablesAreMigrated(t *testing.T) {
	var all strings.Builder
	for _, pair := range readMigrationPairs(t) {
		all.WriteString(pair.up)
	}
	for _, table := range migratedTables {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("no migration creates %s", table)
		}
	}
}
