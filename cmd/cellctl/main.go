// Command cellctl is the conductor's CLI surface: a thin cobra router over
// core.Conductor, with package-level state behind a mutex, an *Init
// middleware run once per process, and one subcommand per component. It
// performs no business logic of its own — every handler below only loads
// config, touches the conductor, and prints the result.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cellmesh/core"
)

var (
	conductorMu sync.RWMutex
	conductor   *core.Conductor
)

func ctlInit(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()
	if lv, err := logrus.ParseLevel(viper.GetString("logging.level")); err == nil {
		logrus.SetLevel(lv)
	}

	conductorMu.Lock()
	defer conductorMu.Unlock()
	if conductor == nil {
		conductor = core.NewConductor()
	}
	return nil
}

func main() {
	root := &cobra.Command{Use: "cellctl", PersistentPreRunE: ctlInit}
	root.AddCommand(keygenCmd())
	root.AddCommand(cellCmd())
	root.AddCommand(chainCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "generate an agent keypair and print its agent hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := core.GenerateKeyPair()
			if err != nil {
				return err
			}
			agent := kp.AgentPubKeyOf()
			fmt.Printf("agent: %s\n", agent.AgentHash().String())
			fmt.Printf("public key: %s\n", hex.EncodeToString(agent[:]))
			return nil
		},
	}
}

func cellCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cell"}

	var networkSeed string
	install := &cobra.Command{
		Use:   "install [dna-name]",
		Short: "install a new cell from a generated agent key and a DNA hash derived from a manifest name and network seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "default"
			if len(args) > 0 {
				name = args[0]
			}
			kp, err := core.GenerateKeyPair()
			if err != nil {
				return err
			}
			agent := kp.AgentPubKeyOf()
			manifest := core.DnaManifest{Name: name, NetworkSeed: networkSeed}
			dnaHash := manifest.DNAHash()

			id := core.CellID{DNAHash: dnaHash, Agent: agent}
			cell := &core.Cell{
				ID:    id,
				Chain: core.NewSourceChain(agent, dnaHash).WithSigner(kp),
				Store: core.NewDHTStore(),
				Zomes: map[string]core.ZomeFn{},
			}

			conductorMu.RLock()
			c := conductor
			conductorMu.RUnlock()
			c.InstallCell(cell)

			fmt.Printf("installed cell %s\n", id.String())
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "list installed cells",
		RunE: func(cmd *cobra.Command, args []string) error {
			conductorMu.RLock()
			c := conductor
			conductorMu.RUnlock()
			for _, id := range c.Cells() {
				fmt.Println(id.String())
			}
			return nil
		},
	}

	install.Flags().StringVar(&networkSeed, "network-seed", "", "network seed modifier applied to the DNA hash")
	cmd.AddCommand(install, list)
	return cmd
}

func chainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chain"}

	head := &cobra.Command{
		Use:   "head [cell-id]",
		Short: "print the current chain head for an installed cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conductorMu.RLock()
			c := conductor
			conductorMu.RUnlock()

			for _, id := range c.Cells() {
				if id.String() != args[0] {
					continue
				}
				cell, err := c.Cell(id)
				if err != nil {
					return err
				}
				h, err := cell.Chain.CurrentHead()
				if err != nil {
					return err
				}
				if h == nil {
					fmt.Println("pre-genesis")
					return nil
				}
				fmt.Println(h.String())
				return nil
			}
			return fmt.Errorf("cell not found: %s", args[0])
		},
	}

	cmd.AddCommand(head)
	return cmd
}
